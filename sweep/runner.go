package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default sweep intervals.
const (
	DefaultRetryInterval     = time.Minute
	DefaultDependentInterval = time.Minute
	DefaultStuckInterval     = time.Minute
	DefaultCleanupInterval   = 24 * time.Hour
)

// Runner drives the sweep passes on tickers.
type Runner struct {
	deps Deps

	retryInterval     time.Duration
	dependentInterval time.Duration
	stuckInterval     time.Duration
	cleanupInterval   time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRetryInterval sets how often due retries are re-queued.
func WithRetryInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.retryInterval = d }
}

// WithDependentInterval sets how often parked dependents are rechecked.
func WithDependentInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.dependentInterval = d }
}

// WithStuckInterval sets how often lost Queued jobs are re-dispatched.
func WithStuckInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.stuckInterval = d }
}

// WithCleanupInterval sets how often retention cleanup runs.
func WithCleanupInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.cleanupInterval = d }
}

// NewRunner creates a sweep runner.
func NewRunner(deps Deps, opts ...RunnerOption) *Runner {
	r := &Runner{
		deps:              deps,
		retryInterval:     DefaultRetryInterval,
		dependentInterval: DefaultDependentInterval,
		stuckInterval:     DefaultStuckInterval,
		cleanupInterval:   DefaultCleanupInterval,
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the sweep goroutines. It returns immediately.
func (r *Runner) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	r.running = true

	r.deps.logger().Info("sweep runner starting",
		slog.Duration("retry_interval", r.retryInterval),
		slog.Duration("dependent_interval", r.dependentInterval),
		slog.Duration("stuck_interval", r.stuckInterval),
		slog.Duration("cleanup_interval", r.cleanupInterval))

	r.loop(r.retryInterval, "retries", func(ctx context.Context) (int, error) {
		return Retries(ctx, r.deps)
	})
	r.loop(r.dependentInterval, "dependents", func(ctx context.Context) (int, error) {
		return Dependents(ctx, r.deps)
	})
	r.loop(r.stuckInterval, "stuck", func(ctx context.Context) (int, error) {
		return Stuck(ctx, r.deps)
	})
	r.loop(r.cleanupInterval, "cleanup", func(ctx context.Context) (int, error) {
		return Cleanup(ctx, r.deps)
	})
	return nil
}

func (r *Runner) loop(interval time.Duration, name string, pass func(context.Context) (int, error)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				n, err := pass(context.Background())
				if err != nil {
					r.deps.logger().Error("sweep pass failed",
						slog.String("pass", name),
						slog.Any("error", err))
					continue
				}
				if n > 0 {
					r.deps.logger().Info("sweep pass complete",
						slog.String("pass", name),
						slog.Int("touched", n))
				}
			}
		}
	}()
}

// Stop signals the sweep goroutines to stop and waits for them.
func (r *Runner) Stop(_ context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	return nil
}
