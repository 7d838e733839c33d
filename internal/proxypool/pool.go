// Package proxypool manages the working set of outbound proxy endpoints with
// per-endpoint consecutive-failure tracking.
package proxypool

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/metrics"
)

// ErrPoolExhausted signals that no active endpoint remains.
var ErrPoolExhausted = errors.New("proxy pool exhausted: no active endpoints")

// Endpoint is one outbound proxy with its health state.
type Endpoint struct {
	Address             string `json:"address"`
	Protocol            string `json:"protocol"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Active              bool   `json:"active"`
}

// URL renders the endpoint as a proxy URL usable by an http.Transport.
func (e Endpoint) URL() string {
	protocol := e.Protocol
	if protocol == "" {
		protocol = "http"
	}
	return fmt.Sprintf("%s://%s", protocol, e.Address)
}

// Stats is a read-only snapshot of pool health for observability.
type Stats struct {
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}

// Config controls pool behavior.
type Config struct {
	// MaxConsecutiveFailures deactivates an endpoint once reached.
	MaxConsecutiveFailures int
}

// Pool is the mutex-guarded endpoint set shared by all workers. A deactivated
// endpoint never rejoins the active set through internal logic; only an
// explicit Reload from a fresh candidate source can supply it again.
type Pool struct {
	mu          sync.Mutex
	endpoints   []*Endpoint
	next        int
	maxFailures int
	store       Store
	logger      *zap.Logger
}

// New builds a Pool, restoring persisted endpoint health when a store is
// configured.
func New(cfg Config, store Store, logger *zap.Logger) (*Pool, error) {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		maxFailures: cfg.MaxConsecutiveFailures,
		store:       store,
		logger:      logger,
	}
	if store != nil {
		endpoints, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("load proxy state: %w", err)
		}
		for _, ep := range endpoints {
			ep := ep
			p.endpoints = append(p.endpoints, &ep)
		}
	}
	p.publishGauges(p.statsLocked())
	return p, nil
}

// Select returns the next active endpoint round-robin, or ErrPoolExhausted.
// Selection never blocks; callers fail fast when the pool is empty.
func (p *Pool) Select() (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	for i := 0; i < n; i++ {
		candidate := p.endpoints[(p.next+i)%n]
		if !candidate.Active {
			continue
		}
		p.next = (p.next + i + 1) % n
		return *candidate, nil
	}
	return Endpoint{}, ErrPoolExhausted
}

// RecordResult applies a selection outcome. Success resets the consecutive
// failure counter; failure increments it and, on crossing the threshold,
// removes the endpoint from the active set and persists the updated set
// immediately.
func (p *Pool) RecordResult(address string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep := p.findLocked(address)
	if ep == nil {
		return
	}
	if success {
		ep.ConsecutiveFailures = 0
		return
	}
	ep.ConsecutiveFailures++
	if ep.Active && ep.ConsecutiveFailures >= p.maxFailures {
		ep.Active = false
		p.logger.Warn("proxy endpoint deactivated",
			zap.String("address", ep.Address),
			zap.Int("consecutive_failures", ep.ConsecutiveFailures),
		)
		stats := p.statsLocked()
		p.persistLocked()
		p.publishGauges(stats)
	}
}

// Reload merges a freshly supplied candidate list with existing health state.
// Endpoints that persist across the reload and are still active keep their
// failure counters; deactivated endpoints supplied again by the fresh source
// rejoin the active set with zeroed counters; endpoints absent from the
// candidate list are discarded along with their stale health state.
func (p *Pool) Reload(candidates []Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing := make(map[string]*Endpoint, len(p.endpoints))
	for _, ep := range p.endpoints {
		existing[ep.Address] = ep
	}

	merged := make([]*Endpoint, 0, len(candidates))
	for _, c := range candidates {
		prev, ok := existing[c.Address]
		if ok && prev.Active {
			prev.Protocol = c.Protocol
			merged = append(merged, prev)
			continue
		}
		merged = append(merged, &Endpoint{
			Address:  c.Address,
			Protocol: c.Protocol,
			Active:   true,
		})
	}

	p.endpoints = merged
	p.next = 0
	stats := p.statsLocked()
	p.persistLocked()
	p.publishGauges(stats)
	p.logger.Info("proxy pool reloaded",
		zap.Int("candidates", len(candidates)),
		zap.Int("active", stats.Active),
	)
}

// Stats returns a snapshot of active/inactive counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Endpoints returns a copy of the full endpoint set for observability.
func (p *Pool) Endpoints() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, *ep)
	}
	return out
}

func (p *Pool) findLocked(address string) *Endpoint {
	for _, ep := range p.endpoints {
		if ep.Address == address {
			return ep
		}
	}
	return nil
}

func (p *Pool) statsLocked() Stats {
	var s Stats
	for _, ep := range p.endpoints {
		if ep.Active {
			s.Active++
		} else {
			s.Inactive++
		}
	}
	return s
}

// persistLocked writes the current set through the store. Persistence errors
// are logged, not returned: losing a health write must not abort the crawl.
func (p *Pool) persistLocked() {
	if p.store == nil {
		return
	}
	snapshot := make([]Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		snapshot = append(snapshot, *ep)
	}
	if err := p.store.Save(snapshot); err != nil {
		p.logger.Error("persist proxy state failed", zap.Error(err))
	}
}

func (p *Pool) publishGauges(s Stats) {
	metrics.SetProxyEndpoints(s.Active, s.Inactive)
}
