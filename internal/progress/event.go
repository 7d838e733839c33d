// Package progress defines the event stream emitted by the harvest pipeline.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart Stage = "SESSION_START"
	StageSessionDone  Stage = "SESSION_DONE"
	StageChunkStart   Stage = "CHUNK_START"
	StageChunkDone    Stage = "CHUNK_DONE"
	StageItemDone     Stage = "ITEM_DONE"
	StageProxyDown    Stage = "PROXY_DOWN"
	StageBreakerOpen  Stage = "BREAKER_OPEN"
)

// Event captures a single pipeline milestone.
type Event struct {
	// SessionID identifies the harvest session run.
	SessionID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// JobID scopes chunk events to one chunk job.
	JobID string
	// Domain scopes item, proxy, and breaker events to a host label.
	Domain string
	// ItemID is set on item completion events.
	ItemID string
	// Status is the terminal item or chunk status ("succeeded", "failed", ...).
	Status string
	// Kind carries the classified error kind on failed items.
	Kind string
	// Dur captures execution latency for items and chunks.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageSessionDone:
	case StageChunkStart, StageChunkDone:
		if e.JobID == "" {
			return fmt.Errorf("%s requires job id", e.Stage)
		}
	case StageItemDone:
		if e.ItemID == "" {
			return errors.New("item done requires item id")
		}
		if e.Status == "" {
			return errors.New("item done requires status")
		}
	case StageProxyDown:
	case StageBreakerOpen:
		if e.Domain == "" {
			return errors.New("breaker open requires domain")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
