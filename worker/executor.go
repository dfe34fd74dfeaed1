// Package worker provides the job execution engine: an Executor that
// runs one queued job through the circuit breaker, middleware, and the
// registered handler with a timeout, and a Pool of goroutines that
// drain the dispatcher.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/breaker"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/middleware"
	"github.com/conveyorhq/conveyor/progress"
	"github.com/conveyorhq/conveyor/realtime"
	"github.com/conveyorhq/conveyor/sweep"
)

// actorSystem is the log actor for executor-driven transitions.
const actorSystem = "system"

// Executor runs a single job attempt end to end: dependency and breaker
// gates, the Running transition, the handler under its timeout, and the
// outcome finalization (complete, retry, dead letter, cancel).
type Executor struct {
	store    job.Store
	registry *job.Registry
	types    *job.TypeRegistry
	brk      *breaker.Breaker
	notifier *realtime.Notifier
	backoff  backoff.Strategy
	defaults conveyor.Defaults
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor. brk may be nil to disable circuit
// breaking; notifier may be nil to disable realtime events.
func NewExecutor(
	store job.Store,
	registry *job.Registry,
	types *job.TypeRegistry,
	brk *breaker.Breaker,
	notifier *realtime.Notifier,
	bo backoff.Strategy,
	defaults conveyor.Defaults,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    store,
		registry: registry,
		types:    types,
		brk:      brk,
		notifier: notifier,
		backoff:  bo,
		defaults: defaults,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// attempt is one handler invocation's outcome.
type attempt struct {
	result *job.Result
	err    error
}

// Execute picks up a queued job and runs it to a settled state. A job
// that is no longer Queued when picked up is skipped silently: the
// transport may deliver stale IDs after a cancel or re-queue, and the
// store is the source of truth.
//
// Handler failures never surface as an error; they are recorded on the
// job. The returned error covers infrastructure failures only.
func (e *Executor) Execute(ctx context.Context, jobID id.ID) error {
	j, err := e.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, conveyor.ErrJobNotFound) {
			e.logger.Warn("dequeued unknown job", slog.String("job_id", jobID.String()))
			return nil
		}
		return fmt.Errorf("worker: load %s: %w", jobID, err)
	}
	if j.Status != job.StatusQueued {
		return nil
	}

	if done, err := e.checkDependency(ctx, j); done || err != nil {
		return err
	}

	cfg, rejected, err := e.checkBreaker(ctx, j)
	if rejected || err != nil {
		return err
	}

	def, ok := e.registry.Get(j.Type)
	if !ok {
		return e.deadLetter(ctx, j.ID, job.StatusQueued,
			fmt.Sprintf("No handler registered for job type %q", j.Type))
	}

	started, err := e.markRunning(ctx, j)
	if err != nil {
		return err
	}
	if !started {
		// The job left Queued between pickup and the Running transition,
		// typically a cancel racing the worker. The handler must not run.
		return nil
	}

	rc := progress.New(j, e.store, e.notifier, e.defaults.ProgressThrottle, e.logger)

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = e.defaults.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan attempt, 1)
	go func() {
		var result *job.Result
		err := e.mw(runCtx, j, func(ctx context.Context) error {
			r, err := def.Handler(ctx, rc)
			result = r
			return err
		})
		ch <- attempt{result: result, err: err}
	}()

	select {
	case a := <-ch:
		return e.finalize(ctx, j, cfg, a)
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return e.finalizeTimeout(ctx, j, def, cfg, timeout)
		}
		// Pool shutdown. The attempt is abandoned and retried later.
		return e.finalizeFailure(ctx, j, cfg, job.ErrorTransient,
			"Execution aborted by worker shutdown")
	}
}

// checkDependency gates execution on the parent job's status. Returns
// done=true when the job was parked or dead-lettered and must not run.
func (e *Executor) checkDependency(ctx context.Context, j *job.Job) (bool, error) {
	if j.DependsOn.IsNil() {
		return false, nil
	}

	parentStatus, err := e.store.GetStatus(ctx, j.DependsOn)
	if err != nil {
		if !errors.Is(err, conveyor.ErrJobNotFound) {
			return true, fmt.Errorf("worker: dependency of %s: %w", j.ID, err)
		}
		// The parent was cleaned up; its outcome is unknowable.
		return true, e.deadLetter(ctx, j.ID, job.StatusQueued,
			fmt.Sprintf("Dependency %s no longer exists", j.DependsOn))
	}

	switch parentStatus {
	case job.StatusCompleted:
		return false, nil

	case job.StatusCanceled, job.StatusDeadLetter:
		return true, e.deadLetter(ctx, j.ID, job.StatusQueued,
			fmt.Sprintf("Dependency %s ended %s", j.DependsOn, parentStatus))

	default:
		// Parent still in flight. Park the job for the dependents sweep.
		err := e.store.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
			if cur.Status != job.StatusQueued {
				return nil, nil
			}
			recheck := time.Now().Add(e.defaults.DependencyRecheck)
			cur.NextRetryAt = &recheck
			cur.UpdatedAt = time.Now()
			return nil, nil
		})
		if err != nil {
			return true, fmt.Errorf("worker: park %s: %w", j.ID, err)
		}
		return true, nil
	}
}

// checkBreaker consults the circuit for the job's (type, tenant) pair.
// A rejected job is dead-lettered without consuming a retry. A half-open
// circuit lets the job through as its probe; the breaker resolves the
// probe from the recorded outcome.
func (e *Executor) checkBreaker(ctx context.Context, j *job.Job) (breaker.Config, bool, error) {
	var cfg breaker.Config
	if e.brk == nil {
		return cfg, false, nil
	}
	t, ok := e.types.Get(j.Type)
	if !ok {
		return cfg, false, nil
	}
	cfg = breaker.ConfigFor(t, e.defaults)

	decision, reason, err := e.brk.Check(ctx, cfg, j.Type, j.Tenant)
	if err != nil {
		e.logger.Error("breaker check failed",
			slog.String("job_id", j.ID.String()),
			slog.Any("error", err))
		return cfg, false, nil
	}

	switch decision {
	case breaker.Reject:
		var moved *job.Job
		err := e.store.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
			if cur.Status != job.StatusQueued {
				return nil, nil
			}
			cur.ErrorMessage = reason
			cur.ErrorType = job.ErrorBreakerOpen
			entry, err := job.Transition(cur, job.StatusDeadLetter, actorSystem,
				"Circuit breaker open: "+reason, time.Now())
			if err != nil {
				return nil, err
			}
			moved = cur
			return entry, nil
		})
		if err != nil {
			return cfg, true, fmt.Errorf("worker: breaker reject %s: %w", j.ID, err)
		}
		if moved != nil {
			e.notifier.StatusChanged(ctx, moved, moved.Tenant, job.StatusQueued, job.StatusDeadLetter)
			e.logger.Warn("job rejected by open circuit",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", j.Type),
				slog.String("tenant", j.Tenant))
		}
		return cfg, true, nil

	default:
		return cfg, false, nil
	}
}

// markRunning transitions the job to Running. It reports false when the
// job was no longer Queued under the lock, in which case the attempt
// must be abandoned.
func (e *Executor) markRunning(ctx context.Context, j *job.Job) (bool, error) {
	var started *job.Job
	err := e.store.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
		if cur.Status != job.StatusQueued {
			return nil, nil
		}
		entry, err := job.Transition(cur, job.StatusRunning, actorSystem, "", time.Now())
		if err != nil {
			return nil, err
		}
		started = cur
		return entry, nil
	})
	if err != nil {
		return false, fmt.Errorf("worker: start %s: %w", j.ID, err)
	}
	if started == nil {
		return false, nil
	}
	*j = *started
	e.notifier.StatusChanged(ctx, j, j.Tenant, job.StatusQueued, job.StatusRunning)
	return true, nil
}

// finalize settles a completed handler invocation.
func (e *Executor) finalize(ctx context.Context, j *job.Job, cfg breaker.Config, a attempt) error {
	switch {
	case a.err == nil:
		return e.finalizeSuccess(ctx, j, cfg, a.result)

	case errors.Is(a.err, conveyor.ErrJobCanceled):
		return e.finalizeCanceled(ctx, j)

	case conveyor.Retryable(a.err):
		e.recordOutcome(ctx, j, cfg, false)
		return e.finalizeFailure(ctx, j, cfg, job.ErrorTransient, a.err.Error())

	default:
		e.recordOutcome(ctx, j, cfg, false)
		return e.deadLetter(ctx, j.ID, job.StatusRunning,
			"Permanent failure: "+a.err.Error())
	}
}

func (e *Executor) finalizeSuccess(ctx context.Context, j *job.Job, cfg breaker.Config, result *job.Result) error {
	var done *job.Job
	err := e.store.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
		if cur.Status != job.StatusRunning {
			// Canceled while the handler was finishing; the cancel wins.
			return nil, nil
		}
		if result != nil {
			cur.OutputReference = result.OutputReference
		}
		entry, err := job.Transition(cur, job.StatusCompleted, actorSystem, "", time.Now())
		if err != nil {
			return nil, err
		}
		done = cur
		return entry, nil
	})
	if err != nil {
		return fmt.Errorf("worker: complete %s: %w", j.ID, err)
	}
	if done == nil {
		return nil
	}

	e.recordOutcome(ctx, j, cfg, true)
	e.notifier.StatusChanged(ctx, done, done.Tenant, job.StatusRunning, job.StatusCompleted)
	e.logger.Info("job completed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.String("tenant", j.Tenant))
	return nil
}

// finalizeCanceled handles a handler that unwound on a cancellation
// request. The store usually already holds Canceled; a handler that
// returned ErrJobCanceled on its own still gets finalized here. The
// outcome never feeds the circuit breaker.
func (e *Executor) finalizeCanceled(ctx context.Context, j *job.Job) error {
	err := e.store.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
		if cur.Status != job.StatusRunning {
			return nil, nil
		}
		return job.Transition(cur, job.StatusCanceled, actorSystem, "", time.Now())
	})
	if err != nil {
		return fmt.Errorf("worker: cancel %s: %w", j.ID, err)
	}
	e.logger.Info("job canceled during execution",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type))
	return nil
}

// finalizeFailure records a transient failure and schedules the retry.
func (e *Executor) finalizeFailure(ctx context.Context, j *job.Job, cfg breaker.Config, errType, message string) error {
	var failed *job.Job
	err := e.store.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
		if cur.Status != job.StatusRunning {
			return nil, nil
		}
		cur.ErrorMessage = message
		cur.ErrorType = errType
		entry, err := job.Transition(cur, job.StatusFailed, actorSystem, "", time.Now())
		if err != nil {
			return nil, err
		}
		failed = cur
		return entry, nil
	})
	if err != nil {
		return fmt.Errorf("worker: fail %s: %w", j.ID, err)
	}
	if failed == nil {
		return nil
	}

	e.notifier.StatusChanged(ctx, failed, failed.Tenant, job.StatusRunning, job.StatusFailed)
	e.logger.Warn("job attempt failed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempt", failed.RetryCount),
		slog.String("error", message))

	return sweep.ScheduleRetry(ctx, e.sweepDeps(), j.ID)
}

// finalizeTimeout settles an attempt that exceeded its timeout: the job
// moves to Timed Out, the type's cleanup hook runs best-effort, and a
// retry is scheduled.
func (e *Executor) finalizeTimeout(ctx context.Context, j *job.Job, def *job.Definition, cfg breaker.Config, timeout time.Duration) error {
	var timedOut *job.Job
	err := e.store.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
		if cur.Status != job.StatusRunning {
			return nil, nil
		}
		cur.ErrorMessage = fmt.Sprintf("Execution exceeded timeout of %s", timeout)
		cur.ErrorType = job.ErrorTransient
		entry, err := job.Transition(cur, job.StatusTimedOut, actorSystem, "", time.Now())
		if err != nil {
			return nil, err
		}
		timedOut = cur
		return entry, nil
	})
	if err != nil {
		return fmt.Errorf("worker: timeout %s: %w", j.ID, err)
	}
	if timedOut == nil {
		return nil
	}

	e.notifier.StatusChanged(ctx, timedOut, timedOut.Tenant, job.StatusRunning, job.StatusTimedOut)
	e.logger.Warn("job timed out",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Duration("timeout", timeout))

	if def.TimeoutCleanup != nil {
		// The attempt's context is spent; cleanup gets a fresh one.
		if err := def.TimeoutCleanup(context.WithoutCancel(ctx), timedOut); err != nil {
			e.logger.Error("timeout cleanup failed",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", err))
		}
	}

	e.recordOutcome(ctx, j, cfg, false)
	return sweep.ScheduleRetry(ctx, e.sweepDeps(), j.ID)
}

// deadLetter moves a job straight to the dead letter queue with a
// permanent error classification.
func (e *Executor) deadLetter(ctx context.Context, jobID id.ID, from job.Status, message string) error {
	var moved *job.Job
	err := e.store.WithLock(ctx, jobID, func(cur *job.Job) (*job.LogEntry, error) {
		if cur.Status != from {
			return nil, nil
		}
		cur.ErrorMessage = message
		cur.ErrorType = job.ErrorPermanent
		entry, err := job.Transition(cur, job.StatusDeadLetter, actorSystem, message, time.Now())
		if err != nil {
			return nil, err
		}
		moved = cur
		return entry, nil
	})
	if err != nil {
		return fmt.Errorf("worker: dead letter %s: %w", jobID, err)
	}
	if moved == nil {
		return nil
	}

	e.notifier.StatusChanged(ctx, moved, moved.Tenant, from, job.StatusDeadLetter)
	e.logger.Warn("job dead-lettered",
		slog.String("job_id", jobID.String()),
		slog.String("job_type", moved.Type),
		slog.String("reason", message))
	return nil
}

func (e *Executor) recordOutcome(ctx context.Context, j *job.Job, cfg breaker.Config, success bool) {
	if e.brk == nil {
		return
	}
	e.brk.RecordOutcome(ctx, cfg, j.Type, j.Tenant, success)
}

func (e *Executor) sweepDeps() sweep.Deps {
	return sweep.Deps{
		Store:    e.store,
		Notifier: e.notifier,
		Backoff:  e.backoff,
		Logger:   e.logger,
	}
}
