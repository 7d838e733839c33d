// Package breaker implements a per-domain circuit breaker. One state machine
// exists per destination domain, created lazily on the first observed failure
// and shared by every worker contacting that domain.
package breaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/metrics"
)

// State is the circuit position for a domain.
type State string

// Circuit states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Status is a read-only snapshot of one domain's circuit.
type Status struct {
	Domain          string     `json:"domain"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	OpenedAt        *time.Time `json:"opened_at,omitempty"`
	LastBlockReason string     `json:"last_block_reason,omitempty"`
}

// Clock supplies the current time; injectable for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Config tunes the breaker.
type Config struct {
	// FailureThreshold opens the circuit once reached.
	FailureThreshold int
	// ResetTimeout is the cool-down before an open circuit probes again.
	ResetTimeout time.Duration
}

type circuit struct {
	state           State
	failureCount    int
	openedAt        time.Time
	lastBlockReason string
}

// Breaker holds per-domain circuits behind one mutex. All methods fail open:
// a nil Breaker, or any internal inconsistency, always answers "allowed" so
// the breaker's own fragility never becomes an additional outage.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	cfg      Config
	clock    Clock
	logger   *zap.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New builds a Breaker, applying defaults for zero-valued config fields.
func New(cfg Config, clock Clock, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Minute
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		circuits: make(map[string]*circuit),
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// CanRequest reports whether the domain may be contacted. Open circuits
// transition to half-open lazily here once the reset timeout has elapsed;
// there is no background timer.
func (b *Breaker) CanRequest(domain string) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[domain]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.clock.Now().Sub(c.openedAt) >= b.cfg.ResetTimeout {
			c.state = StateHalfOpen
			b.publishLocked(domain, c)
			b.logger.Info("circuit probing", zap.String("domain", domain))
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess applies a successful request to the domain's circuit.
// A half-open circuit closes and resets its failure count.
func (b *Breaker) RecordSuccess(domain string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[domain]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.logger.Info("circuit closed", zap.String("domain", domain))
	}
	c.state = StateClosed
	c.failureCount = 0
	c.lastBlockReason = ""
	b.publishLocked(domain, c)
}

// RecordFailure applies a domain failure. A closed circuit opens once the
// threshold is reached; a half-open circuit re-opens immediately.
func (b *Breaker) RecordFailure(domain, blockType string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[domain]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[domain] = c
	}
	c.failureCount++
	c.lastBlockReason = blockType

	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = b.clock.Now()
		b.logger.Warn("circuit re-opened",
			zap.String("domain", domain),
			zap.String("block_type", blockType),
		)
	case StateClosed:
		if c.failureCount >= b.cfg.FailureThreshold {
			c.state = StateOpen
			c.openedAt = b.clock.Now()
			b.logger.Warn("circuit opened",
				zap.String("domain", domain),
				zap.Int("failures", c.failureCount),
				zap.String("block_type", blockType),
			)
		}
	}
	b.publishLocked(domain, c)
}

// Status returns a read-only snapshot for one domain.
func (b *Breaker) Status(domain string) Status {
	if b == nil {
		return Status{Domain: domain, State: StateClosed}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[domain]
	if !ok {
		return Status{Domain: domain, State: StateClosed}
	}
	return snapshotLocked(domain, c)
}

// Snapshot returns all tracked domains sorted by name, for observability.
func (b *Breaker) Snapshot() []Status {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Status, 0, len(b.circuits))
	for domain, c := range b.circuits {
		out = append(out, snapshotLocked(domain, c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func snapshotLocked(domain string, c *circuit) Status {
	s := Status{
		Domain:          domain,
		State:           c.state,
		FailureCount:    c.failureCount,
		LastBlockReason: c.lastBlockReason,
	}
	if !c.openedAt.IsZero() {
		opened := c.openedAt
		s.OpenedAt = &opened
	}
	return s
}

func (b *Breaker) publishLocked(domain string, c *circuit) {
	var v float64
	switch c.state {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	metrics.SetBreakerState(domain, v)
}
