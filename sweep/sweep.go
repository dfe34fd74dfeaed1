// Package sweep contains the maintenance passes that keep the job table
// moving: re-queueing due retries, waking jobs parked on a dependency,
// re-dispatching Queued jobs whose dispatch was lost, and deleting
// terminal jobs past the retention window. [Runner] drives the passes
// on tickers; each pass is also callable directly so a single-shot
// invocation (or a test) can drive it by hand.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/dispatch"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/realtime"
)

// batchSize bounds how many jobs one sweep pass touches.
const batchSize = 100

// DefaultStuckAfter is how long a Queued job with no recheck time may
// sit untouched before the stuck pass re-dispatches it.
const DefaultStuckAfter = 5 * time.Minute

// actorSystem is the log actor for engine-driven transitions.
const actorSystem = "system"

// Deps carries the collaborators the sweep passes need.
type Deps struct {
	Store      job.Store
	Dispatcher dispatch.Dispatcher
	Notifier   *realtime.Notifier
	Backoff    backoff.Strategy
	Logger     *slog.Logger

	// Retention is how long terminal jobs are kept before cleanup.
	Retention time.Duration

	// StuckAfter is how long a Queued job may sit untouched before the
	// stuck pass re-dispatches it. Zero means DefaultStuckAfter.
	StuckAfter time.Duration
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// ScheduleRetry decides what happens after a failed or timed-out
// attempt: dead-letter when the retry budget is spent, otherwise
// increment the retry count and stamp the next retry time with backoff.
// The job must already be in Failed or Timed Out status with its error
// fields set.
func ScheduleRetry(ctx context.Context, d Deps, jobID id.ID) error {
	var from, to job.Status
	var moved *job.Job

	err := d.Store.WithLock(ctx, jobID, func(j *job.Job) (*job.LogEntry, error) {
		if j.Status != job.StatusFailed && j.Status != job.StatusTimedOut {
			return nil, nil
		}
		from = j.Status

		// The budget check runs before the increment: MaxRetries is the
		// number of retries after the first attempt.
		if j.RetryCount >= j.MaxRetries {
			msg := fmt.Sprintf("Exhausted %d retries: %s", j.RetryCount, j.ErrorMessage)
			entry, err := job.Transition(j, job.StatusDeadLetter, actorSystem, msg, time.Now())
			if err != nil {
				return nil, err
			}
			to = job.StatusDeadLetter
			moved = j
			return entry, nil
		}

		j.RetryCount++
		next := time.Now().Add(d.Backoff.Delay(j.RetryCount))
		j.NextRetryAt = &next
		j.UpdatedAt = time.Now()
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("sweep: schedule retry %s: %w", jobID, err)
	}

	if moved != nil {
		d.Notifier.StatusChanged(ctx, moved, moved.Tenant, from, to)
		d.logger().Warn("job dead-lettered",
			slog.String("job_id", jobID.String()),
			slog.String("job_type", moved.Type),
			slog.Int("retries", moved.RetryCount))
	}
	return nil
}

// Retries re-queues Failed and Timed Out jobs whose retry time has
// arrived and hands them back to the dispatcher. Returns how many jobs
// were re-queued.
func Retries(ctx context.Context, d Deps) (int, error) {
	due, err := d.Store.DueRetries(ctx, time.Now(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("sweep: due retries: %w", err)
	}

	requeued := 0
	for _, j := range due {
		var from job.Status
		var requeuedJob *job.Job

		err := d.Store.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
			if cur.Status != job.StatusFailed && cur.Status != job.StatusTimedOut {
				// Raced with a cancel or manual retry.
				return nil, nil
			}
			from = cur.Status
			entry, err := job.Transition(cur, job.StatusQueued, actorSystem, "", time.Now())
			if err != nil {
				return nil, err
			}
			requeuedJob = cur
			return entry, nil
		})
		if err != nil {
			d.logger().Error("retry re-queue failed",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", err))
			continue
		}
		if requeuedJob == nil {
			continue
		}

		if err := d.Dispatcher.Enqueue(ctx, job.QueueFor(requeuedJob.Priority), requeuedJob.ID); err != nil {
			// The job stays Queued in the store; the stuck pass
			// re-dispatches it after its grace period.
			d.logger().Error("retry enqueue failed",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", err))
			continue
		}

		d.Notifier.StatusChanged(ctx, requeuedJob, requeuedJob.Tenant, from, job.StatusQueued)
		requeued++
	}
	return requeued, nil
}

// Dependents re-dispatches Queued jobs whose parent has since reached a
// terminal status. The executor re-evaluates the dependency on pickup,
// so a failed parent still dead-letters the child there. Returns how
// many jobs were re-dispatched.
func Dependents(ctx context.Context, d Deps) (int, error) {
	ready, err := d.Store.ReadyDependents(ctx, time.Now(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("sweep: ready dependents: %w", err)
	}

	dispatched := 0
	for _, j := range ready {
		var wake *job.Job
		err := d.Store.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
			if cur.Status != job.StatusQueued || cur.NextRetryAt == nil {
				return nil, nil
			}
			// Clearing the recheck time keeps the next pass from
			// double-dispatching this job.
			cur.NextRetryAt = nil
			cur.UpdatedAt = time.Now()
			wake = cur
			return nil, nil
		})
		if err != nil {
			d.logger().Error("dependent wake failed",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", err))
			continue
		}
		if wake == nil {
			continue
		}

		if err := d.Dispatcher.Enqueue(ctx, job.QueueFor(wake.Priority), wake.ID); err != nil {
			d.logger().Error("dependent enqueue failed",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", err))
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// Stuck re-dispatches Queued jobs whose dispatch was lost: an enqueue
// that failed after the status transition, or a transport that dropped
// the ID. The grace period keeps the pass away from jobs a worker is
// about to pick up. Returns how many jobs were re-dispatched.
func Stuck(ctx context.Context, d Deps) (int, error) {
	grace := d.StuckAfter
	if grace <= 0 {
		grace = DefaultStuckAfter
	}

	stuck, err := d.Store.StuckQueued(ctx, time.Now().Add(-grace), batchSize)
	if err != nil {
		return 0, fmt.Errorf("sweep: stuck queued: %w", err)
	}

	dispatched := 0
	for _, j := range stuck {
		var wake *job.Job
		err := d.Store.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
			if cur.Status != job.StatusQueued || cur.NextRetryAt != nil {
				return nil, nil
			}
			// Bumping UpdatedAt keeps the next pass from re-dispatching
			// the same job before a worker gets to it.
			cur.UpdatedAt = time.Now()
			wake = cur
			return nil, nil
		})
		if err != nil {
			d.logger().Error("stuck re-dispatch failed",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", err))
			continue
		}
		if wake == nil {
			continue
		}

		if err := d.Dispatcher.Enqueue(ctx, job.QueueFor(wake.Priority), wake.ID); err != nil {
			d.logger().Error("stuck enqueue failed",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", err))
			continue
		}

		d.logger().Warn("re-dispatched stuck job",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type))
		dispatched++
	}
	return dispatched, nil
}

// Cleanup deletes terminal jobs older than the retention window, in
// batches. Returns how many jobs were deleted.
func Cleanup(ctx context.Context, d Deps) (int, error) {
	cutoff := time.Now().Add(-d.Retention)
	deleted := 0

	for {
		ids, err := d.Store.TerminalBefore(ctx, cutoff, batchSize)
		if err != nil {
			return deleted, fmt.Errorf("sweep: terminal before: %w", err)
		}
		if len(ids) == 0 {
			return deleted, nil
		}

		for _, jobID := range ids {
			if err := d.Store.Delete(ctx, jobID); err != nil {
				d.logger().Error("cleanup delete failed",
					slog.String("job_id", jobID.String()),
					slog.Any("error", err))
				continue
			}
			deleted++
		}

		if len(ids) < batchSize {
			return deleted, nil
		}
	}
}
