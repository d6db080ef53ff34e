package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relgraph/relgraph/internal/bitmap"
	"github.com/relgraph/relgraph/internal/breaker"
	"github.com/relgraph/relgraph/internal/cache"
	"github.com/relgraph/relgraph/internal/config"
	"github.com/relgraph/relgraph/internal/consistency"
	"github.com/relgraph/relgraph/internal/engine"
	"github.com/relgraph/relgraph/internal/events"
	"github.com/relgraph/relgraph/internal/graph"
	"github.com/relgraph/relgraph/internal/namespace"
	"github.com/relgraph/relgraph/internal/storage"
	"github.com/relgraph/relgraph/internal/storage/memory"
	"github.com/relgraph/relgraph/internal/storage/sqlite"
	"github.com/relgraph/relgraph/internal/telemetry"
	"github.com/relgraph/relgraph/internal/types"
)

// backend is what both store implementations provide: tuples, bitmaps,
// resource IDs, and the recompute queue behind one handle.
type backend interface {
	storage.TupleStore
	storage.BitmapStore
	storage.ResourceIDMap
	storage.UpdateQueue
	io.Closer
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memory.New(), nil
	default:
		return sqlite.Open(ctx, cfg.Storage.Path)
	}
}

// runtime holds everything serve and the one-shot commands need.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	store  backend
	engine *engine.Engine
	index  *bitmap.Index
	worker *bitmap.Worker
	bus    *events.Bus

	closers []func() error
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
}

// openRuntime wires a full engine from configuration. The caller owns the
// returned runtime and must Close it.
func openRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (*runtime, error) {
	if cfg.Zookie.MACKey == "" {
		return nil, fmt.Errorf("zookie.mac_key is required (set RELGRAPH_ZOOKIE_MAC_KEY)")
	}
	codec, err := consistency.NewCodec([]byte(cfg.Zookie.MACKey))
	if err != nil {
		return nil, err
	}

	r := &runtime{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	store, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.store = store
	r.closers = append(r.closers, store.Close)

	reg, err := namespace.Load(cfg.Namespace.Path)
	if err != nil {
		return nil, err
	}
	namespaces := namespace.NewStore(reg)
	if cfg.Namespace.Watch {
		if err := namespace.Watch(ctx, cfg.Namespace.Path, namespaces, logger); err != nil {
			return nil, err
		}
	}

	decisions, cacheCloser, err := buildDecisionCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cacheCloser != nil {
		r.closers = append(r.closers, cacheCloser)
	}

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return nil, err
	}
	r.bus = events.New(logger)

	circuits := breaker.New(
		breaker.WithThreshold(cfg.Breaker.FailureThreshold),
		breaker.WithWindow(cfg.Breaker.FailureWindow()),
		breaker.WithOpenInterval(cfg.Breaker.ResetTimeout()),
		breaker.WithProbes(cfg.Breaker.SuccessThreshold),
		breaker.WithLogger(logger),
		breaker.WithOnStateChange(engine.BreakerEvents(r.bus, metrics)),
	)

	mode, err := types.ParseConsistencyMode(cfg.Consistency.DefaultMode)
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithDecisionCache(decisions),
		engine.WithBreaker(circuits),
		engine.WithEventBus(r.bus),
		engine.WithMetrics(metrics),
		engine.WithLogger(logger),
		engine.WithDefaultConsistency(mode),
		engine.WithConsistencyOptions(consistency.WithMaxWait(cfg.Consistency.WaitDeadline())),
		engine.WithEvaluatorOptions(
			graph.WithMaxDepth(cfg.Evaluator.MaxDepth),
			graph.WithParallelism(cfg.Evaluator.Parallelism),
		),
	}
	if cfg.Bitmap.Enabled {
		r.index = bitmap.NewIndex(store, store, store,
			bitmap.WithQueueCapacity(cfg.Bitmap.QueueCapacityPerTenant),
			bitmap.WithIndexLogger(logger))
		opts = append(opts, engine.WithBitmapIndex(r.index))
	}

	eng, err := engine.New(store, namespaces, codec, opts...)
	if err != nil {
		return nil, err
	}
	r.engine = eng
	r.closers = append(r.closers, eng.Close)

	if cfg.Bitmap.Enabled {
		r.worker = bitmap.NewWorker(store, r.index, eng.BitmapResolver(),
			bitmap.WithWorkers(cfg.Bitmap.WorkerCount),
			bitmap.WithRetry(cfg.Bitmap.RetryCap, 5*time.Second),
			bitmap.WithWorkerLogger(logger))
	}

	ok = true
	return r, nil
}

func buildDecisionCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (cache.DecisionCache, func() error, error) {
	local := cache.NewLocal(
		cache.WithLocalCapacity(cfg.Cache.InProcessSize),
		cache.WithLocalTTL(cfg.Cache.DefaultTTL()),
	)
	if !cfg.Cache.SharedEnabled {
		return local, nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Cache.RedisAddr, err)
	}
	remote := cache.NewRemote(ctx, client,
		cache.WithRemoteTTL(cfg.Cache.DefaultTTL()),
		cache.WithRemoteLogger(logger),
		// Peer invalidations broadcast over pub/sub drop our local tier too.
		cache.WithInvalidationHook(func(tenant string) {
			_ = local.InvalidateTenant(context.Background(), tenant)
		}),
	)
	return cache.NewTiered(local, remote, logger), client.Close, nil
}
