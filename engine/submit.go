package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	// Type names a registered job type.
	Type string

	// Tenant the job belongs to.
	Tenant string

	// Priority controls queue routing. Empty falls back to the type's
	// default priority, then Normal.
	Priority job.Priority

	// Parameters is the handler input. It participates in deduplication.
	Parameters map[string]any

	// Timeout overrides the per-attempt execution limit. Zero falls back
	// to the type default, then the engine default.
	Timeout time.Duration

	// MaxRetries overrides the retry budget. Nil falls back to the type
	// default, then the engine default.
	MaxRetries *int

	// DependsOn optionally names a parent job in the same tenant. The
	// job will not run until the parent completes.
	DependsOn id.ID
}

// Submit validates, deduplicates, persists, and enqueues a new job on
// behalf of the caller. On a duplicate submission it returns
// *conveyor.DuplicateError carrying the existing job's ID and status.
func (e *Engine) Submit(ctx context.Context, c conveyor.Caller, req SubmitRequest) (*job.Job, error) {
	t, ok := e.types.Get(req.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", conveyor.ErrUnknownJobType, req.Type)
	}
	if !t.Enabled {
		return nil, fmt.Errorf("%w: %s", conveyor.ErrJobTypeDisabled, req.Type)
	}
	if err := e.perms.CanAccessTenant(ctx, c, req.Tenant); err != nil {
		return nil, err
	}
	if err := e.checkRateLimit(ctx, c, t); err != nil {
		return nil, err
	}

	now := e.now()

	if !req.DependsOn.IsNil() {
		parent, err := e.store.Get(ctx, req.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", conveyor.ErrUnknownDependency, req.DependsOn)
		}
		if parent.Tenant != req.Tenant {
			return nil, conveyor.ErrCrossTenantDependency
		}
	}

	hash, err := job.Hash(req.Type, req.Tenant, req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("engine: hash parameters: %w", err)
	}

	j := &job.Job{
		ID:         id.NewJobID(),
		Type:       req.Type,
		Tenant:     req.Tenant,
		Owner:      c.User,
		Priority:   e.priorityFor(req, t),
		Status:     job.StatusPending,
		Parameters: req.Parameters,
		Hash:       hash,
		MaxRetries: e.retriesFor(req, t),
		Timeout:    e.timeoutFor(req, t),
		DependsOn:  req.DependsOn,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}

	creation := &job.LogEntry{
		ID:        id.NewLogID(),
		JobID:     j.ID,
		To:        job.StatusPending,
		Timestamp: now,
		Actor:     c.User,
		Message:   job.CreationMessage,
	}

	if err := e.store.CreateDeduplicated(ctx, j, creation, e.dedupWindowFor(t)); err != nil {
		return nil, err
	}

	// A job whose parent has not finished yet is parked Queued with a
	// recheck time; the dependents sweep dispatches it once the parent
	// settles. Everything else goes straight to the dispatcher.
	parked := false
	if !req.DependsOn.IsNil() {
		parentStatus, err := e.store.GetStatus(ctx, req.DependsOn)
		if err == nil && !terminalStatus(parentStatus) {
			parked = true
		}
	}

	var queued *job.Job
	err = e.store.WithLock(ctx, j.ID, func(cur *job.Job) (*job.LogEntry, error) {
		entry, err := job.Transition(cur, job.StatusQueued, c.User, "", e.now())
		if err != nil {
			return nil, err
		}
		if parked {
			recheck := e.now().Add(e.defaults.DependencyRecheck)
			cur.NextRetryAt = &recheck
		}
		queued = cur
		return entry, nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: enqueue %s: %w", j.ID, err)
	}

	if !parked {
		if err := e.dispatcher.Enqueue(ctx, job.QueueFor(queued.Priority), queued.ID); err != nil {
			// The job stays Queued in the store; the stuck sweep
			// re-dispatches it after its grace period.
			e.logger.Error("dispatch enqueue failed",
				slog.String("job_id", queued.ID.String()),
				slog.Any("error", err))
		}
	}

	e.notifier.StatusChanged(ctx, queued, queued.Tenant, job.StatusPending, job.StatusQueued)
	e.logger.Info("job submitted",
		slog.String("job_id", queued.ID.String()),
		slog.String("job_type", queued.Type),
		slog.String("tenant", queued.Tenant),
		slog.String("priority", string(queued.Priority)))
	return queued, nil
}

func (e *Engine) checkRateLimit(ctx context.Context, c conveyor.Caller, t *job.Type) error {
	if t.RateLimit <= 0 || c.Admin {
		return nil
	}

	window := t.RateLimitWindow
	if window <= 0 {
		window = e.defaults.RateLimitWindow
	}
	if window > e.defaults.MaxRateLimitWindow {
		window = e.defaults.MaxRateLimitWindow
	}

	count, err := e.store.CountRecentByOwner(ctx, t.Name, c.User, e.now().Add(-window))
	if err != nil {
		return fmt.Errorf("engine: rate limit check: %w", err)
	}
	if count >= int64(t.RateLimit) {
		return fmt.Errorf("%w: %d submissions of %s in %s", conveyor.ErrRateLimited, count, t.Name, window)
	}
	return nil
}

func (e *Engine) priorityFor(req SubmitRequest, t *job.Type) job.Priority {
	if req.Priority != "" {
		return req.Priority
	}
	if t.DefaultPriority != "" {
		return t.DefaultPriority
	}
	return job.PriorityNormal
}

func (e *Engine) timeoutFor(req SubmitRequest, t *job.Type) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if t.DefaultTimeout > 0 {
		return t.DefaultTimeout
	}
	return e.defaults.Timeout
}

func (e *Engine) retriesFor(req SubmitRequest, t *job.Type) int {
	if req.MaxRetries != nil {
		return *req.MaxRetries
	}
	if t.MaxRetries > 0 {
		return t.MaxRetries
	}
	return e.defaults.MaxRetries
}

// dedupWindowFor resolves the dedup window for a type. Negative
// disables deduplication for the type, zero falls back to the engine
// default.
func (e *Engine) dedupWindowFor(t *job.Type) time.Duration {
	if t.DedupWindow < 0 {
		return 0
	}
	if t.DedupWindow == 0 {
		return e.defaults.DedupWindow
	}
	return t.DedupWindow
}

func terminalStatus(s job.Status) bool {
	switch s {
	case job.StatusCompleted, job.StatusCanceled, job.StatusDeadLetter:
		return true
	default:
		return false
	}
}
