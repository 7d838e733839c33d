package store

import (
	"context"

	"github.com/harvestd/listing-harvester/internal/harvest"
)

// NoOp discards all writes. It is used when no database DSN is configured,
// e.g. local runs where only the checkpoint and progress stream matter.
type NoOp struct{}

// SaveItemOutcomes discards the results.
func (NoOp) SaveItemOutcomes(context.Context, string, []harvest.ItemResult) error { return nil }

// SaveSessionSummary discards the summary.
func (NoOp) SaveSessionSummary(context.Context, harvest.SessionSummary) error { return nil }

// Close performs no action.
func (NoOp) Close() {}
