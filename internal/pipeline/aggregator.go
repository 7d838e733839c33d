package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/harvest"
	"github.com/harvestd/listing-harvester/internal/progress"
)

// checkpointFinisher is the end-of-session checkpoint surface.
type checkpointFinisher interface {
	Flush() error
	Clear() error
}

// Aggregator collects chunk outcomes into a final session result and persists
// it. The checkpoint is cleared only after a fully successful session.
type Aggregator struct {
	store       harvest.OutcomeStore
	checkpoints checkpointFinisher
	hub         progress.Emitter
	clock       harvest.Clock
	logger      *zap.Logger
}

// NewAggregator constructs an Aggregator.
func NewAggregator(
	store harvest.OutcomeStore,
	checkpoints checkpointFinisher,
	hub progress.Emitter,
	clock harvest.Clock,
	logger *zap.Logger,
) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:       store,
		checkpoints: checkpoints,
		hub:         hub,
		clock:       clock,
		logger:      logger,
	}
}

// Await blocks until every chunk outcome has been delivered to the handle,
// then flattens them into the final result. The barrier is event driven; a
// session with slow chunks simply keeps Await blocked until they report.
func (a *Aggregator) Await(ctx context.Context, handle *JobHandle) (harvest.FinalResult, error) {
	select {
	case <-handle.Done():
	case <-ctx.Done():
		return harvest.FinalResult{}, fmt.Errorf("await session %s: %w", handle.SessionID, ctx.Err())
	}

	result := harvest.FinalResult{
		SessionID: handle.SessionID,
		Chunks:    make(map[string]harvest.ChunkStatus, handle.Expected),
	}
	summary := harvest.SessionSummary{
		SessionID: handle.SessionID,
		ByKind:    map[string]int{},
		ByDomain:  map[string]int{},
		ByProxy:   map[string]int{},
		StartedAt: handle.StartedAt(),
	}

	var all []harvest.ItemResult
	for i := 0; i < handle.Expected; i++ {
		outcome := <-handle.Outcomes()
		result.Chunks[outcome.JobID] = outcome.Status
		for _, item := range outcome.Items {
			all = append(all, item)
			summary.Total++
			switch item.Status {
			case harvest.ItemSucceeded:
				summary.Succeeded++
				result.Succeeded = append(result.Succeeded, item)
			case harvest.ItemSkipped:
				summary.Skipped++
				result.Skipped = append(result.Skipped, item)
			default:
				summary.Failed++
				result.Failed = append(result.Failed, item)
				if item.Kind != "" {
					summary.ByKind[item.Kind]++
				}
				summary.ByDomain[item.Domain]++
				if item.Proxy != "" {
					summary.ByProxy[item.Proxy]++
				}
			}
		}
	}
	summary.FinishedAt = a.clock.Now()
	result.Summary = summary

	if err := a.persist(ctx, handle.SessionID, all, summary); err != nil {
		return result, err
	}
	a.finishCheckpoint(result)
	if a.hub != nil {
		a.hub.Emit(progress.Event{
			SessionID: handle.SessionID,
			TS:        summary.FinishedAt,
			Stage:     progress.StageSessionDone,
			Dur:       summary.FinishedAt.Sub(summary.StartedAt),
		})
	}
	a.logger.Info("session aggregated",
		zap.String("session_id", handle.SessionID),
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)
	return result, nil
}

func (a *Aggregator) persist(
	ctx context.Context,
	sessionID string,
	results []harvest.ItemResult,
	summary harvest.SessionSummary,
) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.SaveItemOutcomes(ctx, sessionID, results); err != nil {
		return fmt.Errorf("save item outcomes: %w", err)
	}
	if err := a.store.SaveSessionSummary(ctx, summary); err != nil {
		return fmt.Errorf("save session summary: %w", err)
	}
	return nil
}

// finishCheckpoint clears the checkpoint only when every chunk finished and
// no item failed; a partial session keeps its checkpoint so a rerun can skip
// the completed work.
func (a *Aggregator) finishCheckpoint(result harvest.FinalResult) {
	if a.checkpoints == nil {
		return
	}
	clean := len(result.Failed) == 0
	for _, status := range result.Chunks {
		if status != harvest.ChunkDone {
			clean = false
			break
		}
	}
	if clean {
		if err := a.checkpoints.Clear(); err != nil {
			a.logger.Error("checkpoint clear failed", zap.Error(err))
		}
		return
	}
	if err := a.checkpoints.Flush(); err != nil {
		a.logger.Error("checkpoint flush failed", zap.Error(err))
	}
}
