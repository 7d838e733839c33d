package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/faults"
	"github.com/harvestd/listing-harvester/internal/harvest"
	"github.com/harvestd/listing-harvester/internal/metrics"
	"github.com/harvestd/listing-harvester/internal/progress"
	"github.com/harvestd/listing-harvester/internal/proxypool"
	"github.com/harvestd/listing-harvester/internal/ratelimit"
	"github.com/harvestd/listing-harvester/internal/retry"
)

// circuit is the per-domain breaker surface the worker needs.
type circuit interface {
	CanRequest(domain string) bool
	RecordSuccess(domain string)
	RecordFailure(domain, blockType string)
}

// proxySelector hands out endpoints and accepts per-request verdicts.
type proxySelector interface {
	Select() (proxypool.Endpoint, error)
	RecordResult(address string, success bool)
}

// checkpointer tracks completed items within a session.
type checkpointer interface {
	Completed(itemID string) bool
	MarkCompleted(itemID string) error
}

// reporter receives finished chunk outcomes. The Dispatcher implements it.
type reporter interface {
	Report(sessionID string, outcome harvest.RunOutcome)
}

// Worker consumes chunk jobs and executes the fetch-extract pipeline for each
// item, applying the breaker, limiter, proxy pool, and retry engine.
type Worker struct {
	queue       harvest.ChunkQueue
	fetcher     harvest.Fetcher
	extractor   harvest.Extractor
	engine      *retry.Engine
	circuit     circuit
	limiter     ratelimit.Limiter
	proxies     proxySelector
	checkpoints checkpointer
	reporter    reporter
	hub         progress.Emitter
	clock       harvest.Clock
	logger      *zap.Logger
}

// NewWorker constructs a Worker.
func NewWorker(
	queue harvest.ChunkQueue,
	fetcher harvest.Fetcher,
	extractor harvest.Extractor,
	engine *retry.Engine,
	circuit circuit,
	limiter ratelimit.Limiter,
	proxies proxySelector,
	checkpoints checkpointer,
	reporter reporter,
	hub progress.Emitter,
	clock harvest.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:       queue,
		fetcher:     fetcher,
		extractor:   extractor,
		engine:      engine,
		circuit:     circuit,
		limiter:     limiter,
		proxies:     proxies,
		checkpoints: checkpoints,
		reporter:    reporter,
		hub:         hub,
		clock:       clock,
		logger:      logger,
	}
}

// Run blocks, consuming chunk jobs until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued chunk",
			zap.String("session_id", job.SessionID),
			zap.String("job_id", job.JobID),
			zap.Int("items", len(job.Items)),
		)
		w.processChunk(ctx, job)
	}
}

func (w *Worker) processChunk(ctx context.Context, job harvest.ChunkJob) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := w.clock.Now()
	w.emit(progress.Event{
		SessionID: job.SessionID,
		TS:        start,
		Stage:     progress.StageChunkStart,
		JobID:     job.JobID,
	})

	status := harvest.ChunkDone
	results := make([]harvest.ItemResult, 0, len(job.Items))
	for i, item := range job.Items {
		if ctx.Err() != nil {
			// Processing aborted; remaining items were never attempted.
			status = harvest.ChunkFailed
			for _, rest := range job.Items[i:] {
				results = append(results, harvest.ItemResult{
					ItemID: rest.ID,
					URL:    rest.URL,
					Domain: rest.Domain(),
					Status: harvest.ItemSkipped,
					Error:  "session canceled",
				})
			}
			break
		}
		res := w.processItem(ctx, item)
		results = append(results, res)
		w.emit(progress.Event{
			SessionID: job.SessionID,
			TS:        w.clock.Now(),
			Stage:     progress.StageItemDone,
			JobID:     job.JobID,
			Domain:    res.Domain,
			ItemID:    res.ItemID,
			Status:    string(res.Status),
			Kind:      res.Kind,
			Dur:       res.Duration,
			Note:      res.Error,
		})
		metrics.ObserveItem(string(res.Status), res.Kind)
	}

	outcome := harvest.RunOutcome{
		JobID:  job.JobID,
		Status: status,
		Items:  results,
	}
	w.reporter.Report(job.SessionID, outcome)
	metrics.ObserveChunk(string(status))
	w.emit(progress.Event{
		SessionID: job.SessionID,
		TS:        w.clock.Now(),
		Stage:     progress.StageChunkDone,
		JobID:     job.JobID,
		Status:    string(status),
		Dur:       w.clock.Now().Sub(start),
	})
}

func (w *Worker) processItem(ctx context.Context, item harvest.Item) harvest.ItemResult {
	domain := item.Domain()
	start := w.clock.Now()
	result := harvest.ItemResult{
		ItemID: item.ID,
		URL:    item.URL,
		Domain: domain,
	}

	if w.checkpoints != nil && w.checkpoints.Completed(item.ID) {
		result.Status = harvest.ItemSkipped
		result.Duration = w.clock.Now().Sub(start)
		return result
	}
	if w.circuit != nil && !w.circuit.CanRequest(domain) {
		// Fail fast while the domain cools down; no breaker or pool updates.
		result.Status = harvest.ItemFailed
		result.Kind = string(faults.KindBlocked)
		result.Error = "circuit open for " + domain
		result.Duration = w.clock.Now().Sub(start)
		return result
	}

	var payload []byte
	var proxyAddr string
	err := w.engine.Do(ctx, func(ctx context.Context) error {
		return w.attempt(ctx, item, domain, &payload, &proxyAddr)
	})
	result.Proxy = proxyAddr
	result.Duration = w.clock.Now().Sub(start)

	if err != nil {
		cls := faults.Classify(err)
		result.Status = harvest.ItemFailed
		result.Kind = string(cls.Kind)
		result.Error = cls.Error()
		result.Attempts = cls.Attempts
		return result
	}

	result.Status = harvest.ItemSucceeded
	result.Payload = payload
	if w.checkpoints != nil {
		if err := w.checkpoints.MarkCompleted(item.ID); err != nil {
			w.logger.Error("checkpoint mark failed",
				zap.String("item_id", item.ID), zap.Error(err))
		}
	}
	return result
}

// attempt runs one fetch-extract cycle, recording outcomes against the
// breaker and proxy pool according to the classified failure kind.
func (w *Worker) attempt(
	ctx context.Context,
	item harvest.Item,
	domain string,
	payload *[]byte,
	proxyAddr *string,
) error {
	endpoint, err := w.proxies.Select()
	if err != nil {
		if errors.Is(err, proxypool.ErrPoolExhausted) {
			// No egress capacity left; retrying cannot help.
			return faults.New(faults.KindFatal, err)
		}
		return err
	}
	*proxyAddr = endpoint.Address

	if err := w.limiter.Acquire(ctx, domain); err != nil {
		return err
	}

	resp, err := w.fetcher.Fetch(ctx, harvest.FetchRequest{
		URL:      item.URL,
		ProxyURL: endpoint.URL(),
	})
	if err != nil {
		cls := faults.Classify(err)
		switch cls.Kind {
		case faults.KindBlocked:
			w.circuit.RecordFailure(domain, cls.Reason)
		case faults.KindProxyFailure:
			w.proxies.RecordResult(endpoint.Address, false)
		}
		metrics.ObserveRetry(string(cls.Kind))
		return cls
	}

	out, err := w.extractor.Extract(ctx, item, resp)
	if err != nil {
		var cls *faults.Error
		if !errors.As(err, &cls) {
			cls = faults.New(faults.KindParseFailure, err)
		}
		metrics.ObserveRetry(string(cls.Kind))
		return cls
	}

	*payload = out
	w.circuit.RecordSuccess(domain)
	w.proxies.RecordResult(endpoint.Address, true)
	return nil
}

func (w *Worker) emit(evt progress.Event) {
	if w.hub == nil {
		return
	}
	w.hub.Emit(evt)
}
