package bitmap

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relgraph/relgraph/internal/storage"
)

// Resolver computes the full accessible-resource list for one bitmap key,
// returning the resource names and the tenant revision the answer reflects.
// The engine wires this to its reverse lookup.
type Resolver func(ctx context.Context, key storage.BitmapKey) ([]string, int64, error)

const (
	defaultWorkers      = 2
	defaultPollInterval = 250 * time.Millisecond
	defaultRetryCap     = 5
	defaultRetryDelay   = 5 * time.Second
	defaultReapAfter    = 5 * time.Minute
	defaultReapInterval = time.Minute
)

// Worker drains the recompute queue: dequeue, resolve, store, complete.
// Failures retry with a delay until the attempt cap parks the job. A
// background reaper requeues jobs abandoned mid-processing by a crashed
// worker.
type Worker struct {
	queue   storage.UpdateQueue
	index   *Index
	resolve Resolver

	workers      int
	pollInterval time.Duration
	retryCap     int
	retryDelay   time.Duration
	reapAfter    time.Duration
	reapInterval time.Duration
	logger       *zap.Logger

	wg sync.WaitGroup
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkers sets the drain concurrency.
func WithWorkers(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

// WithPollInterval sets how long an idle worker sleeps between queue
// polls.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithRetry sets the attempt cap and the delay between attempts.
func WithRetry(cap int, delay time.Duration) WorkerOption {
	return func(w *Worker) {
		if cap > 0 {
			w.retryCap = cap
		}
		if delay >= 0 {
			w.retryDelay = delay
		}
	}
}

// WithReaper sets how old a processing job must be before it is considered
// abandoned, and how often to sweep.
func WithReaper(after, interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if after > 0 {
			w.reapAfter = after
		}
		if interval > 0 {
			w.reapInterval = interval
		}
	}
}

// WithWorkerLogger attaches a logger.
func WithWorkerLogger(logger *zap.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorker builds a recompute worker pool.
func NewWorker(queue storage.UpdateQueue, index *Index, resolve Resolver, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        queue,
		index:        index,
		resolve:      resolve,
		workers:      defaultWorkers,
		pollInterval: defaultPollInterval,
		retryCap:     defaultRetryCap,
		retryDelay:   defaultRetryDelay,
		reapAfter:    defaultReapAfter,
		reapInterval: defaultReapInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts the pool and blocks until ctx is cancelled and every worker
// has drained its in-flight job.
func (w *Worker) Run(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.drain(ctx)
		}()
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.reap(ctx)
	}()
	w.wg.Wait()
}

func (w *Worker) drain(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		switch {
		case errors.Is(err, storage.ErrQueueEmpty):
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
			continue
		}

		w.process(ctx, job)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (w *Worker) process(ctx context.Context, job *storage.Job) {
	names, revision, err := w.resolve(ctx, job.Key)
	if err == nil {
		err = w.index.Store(ctx, job.Key, names, revision)
	}
	if err == nil {
		if err := w.queue.Complete(ctx, job.ID); err != nil {
			w.logger.Error("completing job failed",
				zap.Int64("job", job.ID), zap.Error(err))
		}
		return
	}

	parked, failErr := w.queue.Fail(ctx, job.ID, err.Error(), w.retryCap, w.retryDelay)
	if failErr != nil {
		w.logger.Error("recording job failure failed",
			zap.Int64("job", job.ID), zap.Error(failErr))
		return
	}
	if parked {
		w.logger.Warn("recompute parked after repeated failures",
			zap.Int64("job", job.ID),
			zap.String("key", job.Key.String()),
			zap.Error(err))
		// Readers must stop trusting a bitmap we cannot rebuild.
		if err := w.index.bitmaps.MarkBitmapStale(ctx, job.Key); err != nil {
			w.logger.Error("marking parked bitmap stale failed", zap.Error(err))
		}
		return
	}
	w.logger.Warn("recompute failed, will retry",
		zap.Int64("job", job.ID), zap.Error(err))
}

func (w *Worker) reap(ctx context.Context) {
	ticker := time.NewTicker(w.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.RequeueAbandoned(ctx, w.reapAfter)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("requeueing abandoned jobs failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				w.logger.Info("requeued abandoned recompute jobs", zap.Int("count", n))
			}
		}
	}
}
