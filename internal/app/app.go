// Package app initializes and holds the long-lived services of the harvester,
// acting as the dependency injection container for one process.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/api"
	"github.com/harvestd/listing-harvester/internal/breaker"
	"github.com/harvestd/listing-harvester/internal/checkpoint"
	"github.com/harvestd/listing-harvester/internal/clock/system"
	"github.com/harvestd/listing-harvester/internal/config"
	"github.com/harvestd/listing-harvester/internal/fetch"
	"github.com/harvestd/listing-harvester/internal/harvest"
	"github.com/harvestd/listing-harvester/internal/id/uuid"
	"github.com/harvestd/listing-harvester/internal/metrics"
	"github.com/harvestd/listing-harvester/internal/pipeline"
	"github.com/harvestd/listing-harvester/internal/progress"
	"github.com/harvestd/listing-harvester/internal/progress/sinks"
	"github.com/harvestd/listing-harvester/internal/proxypool"
	"github.com/harvestd/listing-harvester/internal/queue/memory"
	"github.com/harvestd/listing-harvester/internal/ratelimit"
	"github.com/harvestd/listing-harvester/internal/retry"
	"github.com/harvestd/listing-harvester/internal/store"
)

// App holds the shared, long-lived services of the harvester process. It is
// initialized once at startup and fails fast when a critical service cannot
// be built.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	breaker    *breaker.Breaker
	pool       *proxypool.Pool
	limiter    ratelimit.Limiter
	redisCli   *redis.Client
	fetcher    *fetch.HTTP
	extractor  harvest.Extractor
	engine     *retry.Engine
	queue      *memory.Queue
	dispatcher *pipeline.Dispatcher
	outcomes   harvest.OutcomeStore
	hub        *progress.Hub
	ids        *uuid.Generator
	clock      *system.Clock
	server     *api.Server
}

// New builds an App from configuration. The extractor is the external
// content-extraction collaborator; pass nil to store raw pages.
func New(ctx context.Context, cfg config.Config, extractor harvest.Extractor, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{
		cfg:       cfg,
		logger:    logger,
		extractor: extractor,
		ids:       uuid.New(),
		clock:     system.New(),
	}
	if a.extractor == nil {
		a.extractor = rawExtractor{}
	}

	pool, err := proxypool.New(
		proxypool.Config{MaxConsecutiveFailures: cfg.Pool.MaxConsecutiveFailures},
		proxypool.NewFileStore(cfg.Pool.Path),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("init proxy pool: %w", err)
	}
	a.pool = pool

	a.breaker = breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout(),
	}, nil, logger)

	switch cfg.RateLimit.Mode {
	case ratelimit.ModeRedis:
		a.redisCli = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.limiter = ratelimit.NewRedis(a.redisCli, float64(cfg.RateLimit.PerDomainPerMinute), logger)
		logger.Info("using redis rate limiter", zap.String("addr", cfg.Redis.Addr))
	default:
		a.limiter = ratelimit.NewLocal(float64(cfg.RateLimit.PerDomainPerMinute))
		logger.Info("using local rate limiter")
	}

	a.fetcher = fetch.NewHTTP(fetch.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}, logger)

	a.engine = retry.New(retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
		MaxDelay:    cfg.RetryMaxDelay(),
		ParseBudget: cfg.Retry.ParseBudget,
	})

	if cfg.DB.DSN != "" {
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
		})
		if err != nil {
			return nil, fmt.Errorf("init outcome store: %w", err)
		}
		a.outcomes = pg
		logger.Info("using postgres outcome store")
	} else {
		a.outcomes = store.NoOp{}
		logger.Info("using no-op outcome store; outcomes will be discarded")
	}

	hubSinks := []progress.Sink{sinks.NewLogSink(logger)}
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Warn("progress prometheus sink unavailable", zap.Error(err))
	} else {
		hubSinks = append(hubSinks, promSink)
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger}, hubSinks...)

	a.queue = memory.NewQueue(cfg.Session.QueueDepth)
	a.dispatcher = pipeline.NewDispatcher(a.queue, a.ids, a.clock, cfg.Session.ChunkSize, logger)

	a.server = api.NewServer(a.breaker, a.pool, api.Config{
		RateLimitMode: cfg.RateLimit.Mode,
	}, logger)

	logger.Info("application services initialized")
	return a, nil
}

// Server returns the operational HTTP server.
func (a *App) Server() *api.Server {
	return a.server
}

// Pool exposes the proxy pool, mainly for seeding before the first session.
func (a *App) Pool() *proxypool.Pool {
	return a.pool
}

// RunSession executes one harvest session to completion: load the checkpoint,
// dispatch chunks, run workers, and aggregate. A canceled context flushes the
// checkpoint before returning so completed work survives the shutdown.
func (a *App) RunSession(ctx context.Context, src harvest.URLSource, sessionID string) (harvest.FinalResult, error) {
	if sessionID == "" {
		var err error
		sessionID, err = a.ids.NewID()
		if err != nil {
			return harvest.FinalResult{}, fmt.Errorf("generate session id: %w", err)
		}
	}
	items, err := src.Items(ctx)
	if err != nil {
		return harvest.FinalResult{}, fmt.Errorf("load items: %w", err)
	}

	checkpoints := checkpoint.NewManager(checkpoint.Config{
		Dir:       a.cfg.Checkpoint.Dir,
		BatchSize: a.cfg.Checkpoint.BatchSize,
	}, sessionID, a.logger)
	completed, err := checkpoints.Load()
	if err != nil {
		return harvest.FinalResult{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if len(completed) > 0 {
		a.logger.Info("resuming session",
			zap.String("session_id", sessionID),
			zap.Int("already_completed", len(completed)),
		)
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var wg sync.WaitGroup
	for i := 0; i < a.cfg.Session.Workers; i++ {
		w := pipeline.NewWorker(
			a.queue, a.fetcher, a.extractor, a.engine,
			a.breaker, a.limiter, a.pool, checkpoints,
			a.dispatcher, a.hub, a.clock, a.logger,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(workerCtx)
		}()
	}

	a.hub.Emit(progress.Event{
		SessionID: sessionID,
		TS:        a.clock.Now(),
		Stage:     progress.StageSessionStart,
	})

	handle, err := a.dispatcher.Dispatch(ctx, sessionID, items)
	if err != nil {
		return harvest.FinalResult{}, fmt.Errorf("dispatch session: %w", err)
	}

	aggregator := pipeline.NewAggregator(a.outcomes, checkpoints, a.hub, a.clock, a.logger)
	result, err := aggregator.Await(ctx, handle)
	if err != nil {
		// Keep completed work durable across an interrupted run.
		if flushErr := checkpoints.Flush(); flushErr != nil {
			a.logger.Error("checkpoint flush on abort failed", zap.Error(flushErr))
		}
		stopWorkers()
		wg.Wait()
		return result, err
	}

	stopWorkers()
	wg.Wait()
	return result, nil
}

// Close gracefully shuts down all services in the container.
func (a *App) Close(ctx context.Context) {
	a.logger.Info("shutting down application services")
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
	}
	a.queue.Close()
	a.outcomes.Close()
	if a.redisCli != nil {
		if err := a.redisCli.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		// Best effort; stderr may not be syncable.
		_ = err
	}
}

// rawExtractor passes the fetched page through unchanged.
type rawExtractor struct{}

func (rawExtractor) Extract(_ context.Context, _ harvest.Item, page harvest.FetchResponse) ([]byte, error) {
	return page.Body, nil
}
