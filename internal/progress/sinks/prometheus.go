package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harvestd/listing-harvester/internal/progress"
)

// PrometheusSink exports pipeline progress metrics. It owns all collectors for
// sessions started/completed/running and per-domain item counters.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted prometheus.Counter
	sessionsRunning   prometheus.Gauge
	chunkDuration     prometheus.Histogram

	itemOutcomes *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_sessions_started_total",
			Help: "Total harvest sessions that have started.",
		}),
		sessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_sessions_completed_total",
			Help: "Total harvest sessions that have completed.",
		}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_sessions_running",
			Help: "Current number of running harvest sessions.",
		}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_chunk_duration_seconds",
			Help:    "Wall time per completed chunk.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		itemOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_item_outcomes_total",
			Help: "Item completions partitioned by domain and status.",
		}, []string{"domain", "status"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_item_duration_seconds",
			Help:    "Item processing duration partitioned by domain.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"domain"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsRunning,
		s.chunkDuration,
		s.itemOutcomes,
		s.itemDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSessionStart:
		s.sessionsStarted.Inc()
		if s.tracker.start(evt.SessionID) {
			s.sessionsRunning.Inc()
		}
	case progress.StageSessionDone:
		s.sessionsCompleted.Inc()
		if s.tracker.complete(evt.SessionID) {
			s.sessionsRunning.Dec()
		}
	case progress.StageChunkDone:
		if evt.Dur > 0 {
			s.chunkDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageItemDone:
		domain := evt.Domain
		if domain == "" {
			domain = "unknown"
		}
		s.itemOutcomes.WithLabelValues(domain, evt.Status).Inc()
		if evt.Dur > 0 {
			s.itemDuration.WithLabelValues(domain).Observe(evt.Dur.Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[string]struct{})}
}

func (t *sessionTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
