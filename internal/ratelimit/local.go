package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/harvestd/listing-harvester/internal/metrics"
)

// Local implements Limiter with one in-process token bucket per domain.
// Capacity equals the configured per-minute rate; refill is continuous at
// capacity/60 tokens per second.
type Local struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	perSecond rate.Limit
	burst     int
}

// NewLocal builds a Local limiter allowing perMinute requests per domain.
func NewLocal(perMinute float64) *Local {
	if perMinute <= 0 {
		perMinute = 60
	}
	return newLocalWith(rate.Limit(perMinute/60), int(math.Max(1, perMinute)))
}

// newLocalWith exists so tests can compress the refill schedule.
func newLocalWith(perSecond rate.Limit, burst int) *Local {
	return &Local{
		buckets:   make(map[string]*rate.Limiter),
		perSecond: perSecond,
		burst:     burst,
	}
}

// Acquire blocks until the domain's bucket yields a token.
func (l *Local) Acquire(ctx context.Context, domain string) error {
	bucket := l.bucket(domain)
	start := time.Now()
	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", domain, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

// TryAcquire consumes a token without blocking.
func (l *Local) TryAcquire(domain string) bool {
	return l.bucket(domain).Allow()
}

func (l *Local) bucket(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets[domain]
	if !ok {
		bucket = rate.NewLimiter(l.perSecond, l.burst)
		l.buckets[domain] = bucket
	}
	return bucket
}
