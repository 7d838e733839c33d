// Package ratelimit provides per-domain token bucket rate limiters. Two
// variants exist behind one interface: a process-local bucket and a
// cross-process bucket backed by an atomic Redis script. The variant is
// selected once at startup from configuration, never probed at call time.
package ratelimit

import "context"

// Modes selectable in configuration.
const (
	ModeLocal = "local"
	ModeRedis = "redis"
)

// Limiter hands out per-domain request tokens.
type Limiter interface {
	// Acquire blocks until a token is available for the domain or the
	// context ends.
	Acquire(ctx context.Context, domain string) error
	// TryAcquire consumes a token if one is available, without blocking.
	TryAcquire(domain string) bool
}
