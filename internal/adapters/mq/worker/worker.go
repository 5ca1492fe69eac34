package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/recsync/internal/adapters/mq/queue"
	"github.com/okian/recsync/internal/domain/accumulator"
	"github.com/okian/recsync/pkg/logger"
	"github.com/okian/recsync/pkg/metrics"
)

const (
	defaultWorkerMultiplier = 2 // multiplier for runtime.NumCPU()
	defaultJobTimeout       = time.Minute
	metricsUpdateInterval   = 5 * time.Second
)

// Job is what workers read off the queue.
type Job = queue.Job

// Syncer runs one sync decision for a user.
type Syncer interface {
	SyncIfDue(ctx context.Context, userID string) (accumulator.SyncResult, error)
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Job
}

// Worker processes sync jobs.
type Worker interface {
	// Run starts the worker loop until ctx is canceled or the queue closes.
	Run(ctx context.Context)

	// Shutdown stops the worker after its current job.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue      Queue
	syncer     Syncer
	name       string
	jobTimeout time.Duration

	processed *atomic.Int64

	shutdown chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, syncer Syncer, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:      q,
		syncer:     syncer,
		name:       "worker",
		jobTimeout: defaultJobTimeout,
		processed:  new(atomic.Int64),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named(w.name)
	return w
}

// Processed returns the number of jobs this worker handled.
func (w *InMemoryWorker) Processed() int64 { return w.processed.Load() }

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			if err := w.process(ctx, job); err != nil {
				w.logger.Error(ctx, "sync job failed", logger.UserID(job.UserID), logger.Error(err))
			}
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.stop()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) stop() {
	w.stopOnce.Do(func() { close(w.shutdown) })
}

func (w *InMemoryWorker) process(ctx context.Context, job Job) error {
	start := time.Now()
	defer func() {
		w.processed.Add(1)
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	res, err := w.syncer.SyncIfDue(ctx, job.UserID)
	if err != nil {
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "sync_decision")
		return fmt.Errorf("sync user %s: %w", job.UserID, err)
	}
	if res.Err != nil {
		// Already counted and logged by the accumulator; the batch stays pending.
		metrics.RecordWorkerError()
		return nil
	}
	if res.Synced {
		w.logger.Debug(ctx, "sync job applied",
			logger.UserID(job.UserID),
			logger.Int("batch", res.BatchSize),
			logger.Int64("queuedMs", start.UnixMilli()-job.EnqueuedAt))
	}
	return nil
}

// Pool manages multiple workers draining one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue

	shutdown chan struct{}
	stopOnce sync.Once

	lastTotal int64
	lastTick  time.Time

	logger logger.Logger
}

// NewPool creates a pool of workerCount workers. Options apply to every worker.
func NewPool(workerCount int, q Queue, syncer Syncer, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	p := &Pool{
		workers:  make([]*InMemoryWorker, workerCount),
		queue:    q,
		shutdown: make(chan struct{}),
		lastTick: time.Now(),
	}
	for i := 0; i < workerCount; i++ {
		workerOpts := append([]Option{}, opts...)
		workerOpts = append(workerOpts, WithName("worker-"+strconv.Itoa(i)))
		p.workers[i] = NewInMemoryWorker(q, syncer, workerOpts...)
	}
	base := &InMemoryWorker{logger: logger.Nop()}
	for _, opt := range opts {
		opt(base)
	}
	p.logger = base.logger.Named("worker-pool")

	metrics.UpdateWorkerActiveCount(workerCount)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Processed returns the number of jobs handled by all workers.
func (p *Pool) Processed() int64 {
	var n int64
	for _, w := range p.workers {
		n += w.Processed()
	}
	return n
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	go p.startMetricsUpdater(ctx)
}

func (p *Pool) startMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metricsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case now := <-ticker.C:
			total := p.Processed()
			if secs := now.Sub(p.lastTick).Seconds(); secs > 0 {
				p.logger.Debug(ctx, "worker throughput",
					logger.Float64("jobsPerSecond", float64(total-p.lastTotal)/secs))
			}
			p.lastTotal, p.lastTick = total, now
		}
	}
}

// Shutdown closes the queue and lets workers drain it. Workers still busy when
// ctx expires are told to stop after their current job.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}
	defer p.stopOnce.Do(func() { close(p.shutdown) })

	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			p.logger.Warn(ctx, "worker drain timed out", logger.Int("worker_id", i))
			for _, rest := range p.workers[i:] {
				rest.stop()
			}
			metrics.UpdateWorkerActiveCount(0)
			return fmt.Errorf("pool shutdown: %w", ctx.Err())
		}
	}
	metrics.UpdateWorkerActiveCount(0)
	return nil
}
