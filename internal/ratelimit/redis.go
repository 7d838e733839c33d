package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/metrics"
)

// refillAndConsume executes the combined refill-then-consume step as a single
// server-side operation. Splitting it into a read followed by a write would
// let concurrent workers over-consume tokens.
//
// KEYS[1] bucket hash; ARGV: capacity, refill tokens/sec, now (seconds).
// Returns {allowed, wait-seconds-as-string}.
var refillAndConsume = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last = tonumber(bucket[2])
if tokens == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * refill)
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('EXPIRE', KEYS[1], math.ceil(capacity / refill) * 2)

if allowed == 1 then
  return {1, '0'}
end
return {0, tostring((1 - tokens) / refill)}
`)

// Redis implements Limiter with one shared token bucket per domain so that
// multiple worker processes respect a single per-domain budget. When the
// backend is unreachable the limiter degrades to a conservative local bucket
// instead of halting the pipeline.
type Redis struct {
	client   redis.Scripter
	capacity float64
	refill   float64
	fallback *Local
	logger   *zap.Logger
}

// NewRedis builds a Redis-backed limiter allowing perMinute requests per
// domain across all cooperating processes.
func NewRedis(client redis.Scripter, perMinute float64, logger *zap.Logger) *Redis {
	if perMinute <= 0 {
		perMinute = 60
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:   client,
		capacity: perMinute,
		refill:   perMinute / 60,
		// Fallback assumes the worst case of every sibling process falling
		// back at once, so it throttles to half the shared budget.
		fallback: NewLocal(perMinute / 2),
		logger:   logger,
	}
}

// Acquire blocks until the shared bucket yields a token or the context ends.
func (r *Redis) Acquire(ctx context.Context, domain string) error {
	start := time.Now()
	for {
		allowed, wait, err := r.consume(ctx, domain)
		if err != nil {
			r.logger.Warn("rate limiter backend unreachable, using local fallback",
				zap.String("domain", domain),
				zap.Error(err),
			)
			return r.fallback.Acquire(ctx, domain)
		}
		if allowed {
			if waited := time.Since(start); waited > time.Millisecond {
				metrics.ObserveRateLimitDelay(domain, waited)
			}
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait for %s: %w", domain, ctx.Err())
		case <-timer.C:
		}
	}
}

// TryAcquire consumes a shared token without blocking.
func (r *Redis) TryAcquire(domain string) bool {
	allowed, _, err := r.consume(context.Background(), domain)
	if err != nil {
		return r.fallback.TryAcquire(domain)
	}
	return allowed
}

func (r *Redis) consume(ctx context.Context, domain string) (bool, time.Duration, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := refillAndConsume.Run(ctx, r.client,
		[]string{"harvester:ratelimit:" + domain},
		strconv.FormatFloat(r.capacity, 'f', -1, 64),
		strconv.FormatFloat(r.refill, 'f', -1, 64),
		strconv.FormatFloat(now, 'f', 6, 64),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("run refill-and-consume: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected script reply length %d", len(res))
	}
	allowed, ok := res[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected script reply type %T", res[0])
	}
	waitStr, ok := res[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("unexpected script reply type %T", res[1])
	}
	waitSec, err := strconv.ParseFloat(waitStr, 64)
	if err != nil {
		return false, 0, fmt.Errorf("parse wait seconds: %w", err)
	}
	wait := time.Duration(waitSec * float64(time.Second))
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return allowed == 1, wait, nil
}
