// Package retry wraps operations with classified, jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/harvestd/listing-harvester/internal/faults"
)

// Config tunes the retry engine.
type Config struct {
	// MaxAttempts is the total attempt budget, including the first call.
	MaxAttempts int
	// BaseDelay seeds the exponential schedule.
	BaseDelay time.Duration
	// MaxDelay caps any single wait.
	MaxDelay time.Duration
	// JitterFraction bounds the random component as a fraction of BaseDelay.
	JitterFraction float64
	// ParseBudget limits how many parse failures are retried before the item
	// is recorded as failed instead of retried indefinitely.
	ParseBudget int
}

// Engine retries operations whose failures classify as retryable.
type Engine struct {
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an Engine, applying defaults for zero-valued config fields.
func New(cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.ParseBudget <= 0 {
		cfg.ParseBudget = 2
	}
	return &Engine{
		cfg:   cfg,
		sleep: sleepCtx,
	}
}

// Do runs op until it succeeds, fails unrecoverably, or the attempt budget is
// exhausted. The returned error is always a classified *faults.Error with
// Attempts filled in once the engine gives up.
func (e *Engine) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var last *faults.Error
	parseFailures := 0

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		cls := faults.Classify(err)
		if !cls.Kind.Retryable() {
			cls.Attempts = attempt
			return cls
		}
		if cls.Kind == faults.KindParseFailure {
			parseFailures++
			if parseFailures > e.cfg.ParseBudget {
				cls.Attempts = attempt
				return cls
			}
		}
		last = cls
		if attempt == e.cfg.MaxAttempts {
			break
		}
		if err := e.sleep(ctx, e.Delay(attempt, cls)); err != nil {
			cls.Attempts = attempt
			return cls
		}
	}

	last.Attempts = e.cfg.MaxAttempts
	return last
}

// Delay computes the wait before the attempt following attempt n (1-based).
// An explicit retry-after hint from the server overrides the schedule.
func (e *Engine) Delay(attempt int, cls *faults.Error) time.Duration {
	if cls != nil && cls.Kind == faults.KindRateLimited && cls.RetryAfter > 0 {
		return cls.RetryAfter
	}
	base := float64(e.cfg.BaseDelay)
	if cls != nil {
		base *= cls.Kind.BackoffMultiplier()
	}
	delay := base * math.Pow(2, float64(attempt-1))
	delay += float64(randomJitter(time.Duration(e.cfg.JitterFraction * base)))
	if delay > float64(e.cfg.MaxDelay) {
		delay = float64(e.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
