package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/dispatch"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// QueueManager gates execution of dequeued jobs. The pool calls Acquire
// before executing and Release after; a refused Acquire puts the job
// back on its queue after a short delay.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the queue/tenant
	// combination. Returns true if the job is allowed to proceed.
	Acquire(queue, tenant string) bool
	// Release decrements the active count for the queue/tenant pair.
	Release(queue, tenant string)
}

// Pool manages a set of concurrent worker goroutines that drain the
// dispatcher and execute jobs through the Executor.
type Pool struct {
	store        job.Store
	dispatcher   dispatch.Dispatcher
	executor     *Executor
	queueManager QueueManager
	concurrency  int
	queues       []string
	requeueDelay time.Duration
	logger       *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of concurrent worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithQueues sets the queues the pool drains, in priority order.
func WithQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithQueueManager sets the rate limiting and concurrency gate.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// WithRequeueDelay sets how long a rate-limited job waits before
// returning to its queue.
func WithRequeueDelay(d time.Duration) PoolOption {
	return func(p *Pool) { p.requeueDelay = d }
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	dispatcher dispatch.Dispatcher,
	executor *Executor,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		store:        store,
		dispatcher:   dispatcher,
		executor:     executor,
		concurrency:  10,
		queues:       dispatch.Queues,
		requeueDelay: time.Second,
		logger:       logger,
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.baseCtx, p.baseCancel = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues))

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for them. If the context
// has a deadline, active job contexts are canceled when time runs out
// and the abandoned attempts are retried later.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.baseCancel
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}
	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		jobID, err := p.dispatcher.Dequeue(p.baseCtx, p.queues)
		if err != nil {
			if p.baseCtx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", slog.Any("error", err))
			select {
			case <-time.After(time.Second):
			case <-p.baseCtx.Done():
				return
			}
			continue
		}

		p.run(jobID)
	}
}

// run executes one dequeued job, applying the queue manager gate.
func (p *Pool) run(jobID id.ID) {
	j, err := p.store.Get(p.baseCtx, jobID)
	if err != nil {
		p.logger.Warn("dequeued job not loadable",
			slog.String("job_id", jobID.String()),
			slog.Any("error", err))
		return
	}
	if j.Status != job.StatusQueued {
		return
	}

	queue := job.QueueFor(j.Priority)
	if p.queueManager != nil && !p.queueManager.Acquire(queue, j.Tenant) {
		// Throughput limit hit. The job goes back to its queue after a
		// short delay so the worker can serve other tenants meanwhile.
		time.AfterFunc(p.requeueDelay, func() {
			if err := p.dispatcher.Enqueue(context.Background(), queue, jobID); err != nil {
				p.logger.Error("re-enqueue of rate-limited job failed",
					slog.String("job_id", jobID.String()),
					slog.Any("error", err))
			}
		})
		return
	}

	ctx, cancel := context.WithCancel(p.baseCtx)
	p.trackJob(jobID.String(), cancel)

	if err := p.executor.Execute(ctx, jobID); err != nil {
		p.logger.Error("job execution failed",
			slog.String("job_id", jobID.String()),
			slog.Any("error", err))
	}

	p.untrackJob(jobID.String())
	cancel()

	if p.queueManager != nil {
		p.queueManager.Release(queue, j.Tenant)
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
