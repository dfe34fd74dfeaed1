package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/breaker"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// Cancel requests cancellation of a job. Pending and Queued jobs cancel
// immediately; Running jobs are marked and the worker observes the flag
// at its next checkpoint. Canceling an already-canceled job is a no-op.
func (e *Engine) Cancel(ctx context.Context, c conveyor.Caller, jobID id.ID) error {
	j, err := e.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := e.access(ctx, c, j); err != nil {
		return err
	}

	var canceled *job.Job
	var from job.Status
	err = e.store.WithLock(ctx, jobID, func(cur *job.Job) (*job.LogEntry, error) {
		if cur.Status == job.StatusCanceled {
			return nil, nil
		}
		if !cur.CanCancel() {
			return nil, &conveyor.InvalidTransitionError{
				From: string(cur.Status),
				To:   string(job.StatusCanceled),
			}
		}
		from = cur.Status
		entry, err := job.Transition(cur, job.StatusCanceled, c.User, "", e.now())
		if err != nil {
			return nil, err
		}
		canceled = cur
		return entry, nil
	})
	if err != nil {
		return err
	}
	if canceled == nil {
		return nil
	}

	e.notifier.StatusChanged(ctx, canceled, canceled.Tenant, from, job.StatusCanceled)
	e.logger.Info("job canceled",
		slog.String("job_id", jobID.String()),
		slog.String("canceled_by", c.User),
		slog.String("from_status", string(from)))
	return nil
}

// Retry manually re-queues a Failed, Timed Out, or Dead Letter job.
// The retry count is preserved: a retried job carries its attempt
// history, and an operator who wants a fresh budget resubmits instead.
// Admin only.
func (e *Engine) Retry(ctx context.Context, c conveyor.Caller, jobID id.ID) error {
	if !c.Admin {
		return conveyor.ErrAdminRequired
	}

	var requeued *job.Job
	var from job.Status
	err := e.store.WithLock(ctx, jobID, func(cur *job.Job) (*job.LogEntry, error) {
		switch cur.Status {
		case job.StatusFailed, job.StatusTimedOut, job.StatusDeadLetter:
		default:
			return nil, &conveyor.InvalidTransitionError{
				From: string(cur.Status),
				To:   string(job.StatusQueued),
			}
		}
		from = cur.Status
		entry, err := job.Transition(cur, job.StatusQueued, c.User, "", e.now())
		if err != nil {
			return nil, err
		}
		requeued = cur
		return entry, nil
	})
	if err != nil {
		return err
	}

	if err := e.dispatcher.Enqueue(ctx, job.QueueFor(requeued.Priority), requeued.ID); err != nil {
		e.logger.Error("retry enqueue failed",
			slog.String("job_id", jobID.String()),
			slog.Any("error", err))
	}

	e.notifier.StatusChanged(ctx, requeued, requeued.Tenant, from, job.StatusQueued)
	e.logger.Info("job manually retried",
		slog.String("job_id", jobID.String()),
		slog.String("actor", c.User),
		slog.String("from_status", string(from)))
	return nil
}

// GetDeadLetter lists dead-lettered jobs. Admins see all tenants;
// other callers see only tenants they belong to.
func (e *Engine) GetDeadLetter(ctx context.Context, c conveyor.Caller, f job.Filter) ([]*job.Job, int64, error) {
	tenants, err := e.tenantScope(ctx, c)
	if err != nil {
		return nil, 0, err
	}
	f.Tenants = tenants
	f.Status = job.StatusDeadLetter
	f.Limit = clampPageSize(f.Limit)
	return e.store.List(ctx, f)
}

// BulkRetryDeadLetter re-queues every dead-lettered job matching the
// filter. Returns how many jobs were re-queued; individual failures are
// logged and skipped. Admin only.
func (e *Engine) BulkRetryDeadLetter(ctx context.Context, c conveyor.Caller, f job.Filter) (int, error) {
	if !c.Admin {
		return 0, conveyor.ErrAdminRequired
	}

	f.Status = job.StatusDeadLetter
	jobs, _, err := e.store.List(ctx, f)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, j := range jobs {
		if err := e.Retry(ctx, c, j.ID); err != nil {
			e.logger.Error("bulk retry failed",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", err))
			continue
		}
		retried++
	}
	return retried, nil
}

// DeleteDeadLetter permanently deletes a dead-lettered job and its
// history. Admin only.
func (e *Engine) DeleteDeadLetter(ctx context.Context, c conveyor.Caller, jobID id.ID) error {
	if !c.Admin {
		return conveyor.ErrAdminRequired
	}

	status, err := e.store.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status != job.StatusDeadLetter {
		return fmt.Errorf("engine: job %s is %s, only dead letter jobs can be deleted", jobID, status)
	}
	return e.store.Delete(ctx, jobID)
}

// OpenCircuits lists circuit breakers that are currently open or
// half-open. Admin only.
func (e *Engine) OpenCircuits(ctx context.Context, c conveyor.Caller) ([]*breaker.Record, error) {
	if !c.Admin {
		return nil, conveyor.ErrAdminRequired
	}
	if e.brk == nil {
		return nil, nil
	}
	return e.brk.OpenCircuits(ctx, "")
}

// ManuallyCloseCircuit force-closes the breaker for a (job type,
// tenant) pair so traffic flows again immediately. Admin only.
func (e *Engine) ManuallyCloseCircuit(ctx context.Context, c conveyor.Caller, jobType, tenant string) error {
	if !c.Admin {
		return conveyor.ErrAdminRequired
	}
	if e.brk == nil {
		return conveyor.ErrBreakerNotFound
	}
	return e.brk.ManualClose(ctx, jobType, tenant)
}
