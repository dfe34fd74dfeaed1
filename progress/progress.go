// Package progress implements the per-execution context handed to job
// handlers: progress reporting with throttled realtime broadcast, and
// cooperative cancellation checks.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/realtime"
)

// Store is the narrow persistence surface progress tracking needs.
// Satisfied by job.Store.
type Store interface {
	GetStatus(ctx context.Context, jobID id.ID) (job.Status, error)
	SetProgress(ctx context.Context, jobID id.ID, percent int, message string) error
}

// Context is the job.RunContext implementation handed to handlers. One
// Context serves one execution attempt; it is safe for concurrent use
// by handler goroutines.
type Context struct {
	jobID   id.ID
	jobType string
	tenant  string
	params  map[string]any

	store    Store
	notifier *realtime.Notifier
	throttle time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	lastBroadcast time.Time
	canceled      bool
}

var _ job.RunContext = (*Context)(nil)

// New creates the run context for one execution attempt of j.
func New(j *job.Job, store Store, notifier *realtime.Notifier, throttle time.Duration, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	if throttle <= 0 {
		throttle = time.Second
	}
	return &Context{
		jobID:    j.ID,
		jobType:  j.Type,
		tenant:   j.Tenant,
		params:   j.Parameters,
		store:    store,
		notifier: notifier,
		throttle: throttle,
		logger:   logger,
		now:      time.Now,
	}
}

func (c *Context) JobID() id.ID               { return c.jobID }
func (c *Context) JobType() string            { return c.jobType }
func (c *Context) Tenant() string             { return c.tenant }
func (c *Context) Parameters() map[string]any { return c.params }

// UpdateProgress persists a progress update and broadcasts it subject to
// the throttle. A 100% update always broadcasts. The persisted write
// never bumps the job's UpdatedAt, so progress churn cannot mask real
// state changes.
//
// Each call first checks for a pending cancellation; if one is found it
// returns conveyor.ErrJobCanceled and the handler should unwind.
func (c *Context) UpdateProgress(ctx context.Context, percent int, message string) error {
	return c.update(ctx, percent, message, false)
}

// ForceProgress is UpdateProgress with the broadcast throttle bypassed.
// Use for milestones that must reach clients.
func (c *Context) ForceProgress(ctx context.Context, percent int, message string) error {
	return c.update(ctx, percent, message, true)
}

func (c *Context) update(ctx context.Context, percent int, message string, force bool) error {
	if c.IsCanceled(ctx) {
		return conveyor.ErrJobCanceled
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	if err := c.store.SetProgress(ctx, c.jobID, percent, message); err != nil {
		return fmt.Errorf("progress: persist %s: %w", c.jobID, err)
	}

	if c.notifier == nil {
		return nil
	}

	now := c.now()

	c.mu.Lock()
	broadcast := force || percent == 100 || now.Sub(c.lastBroadcast) >= c.throttle
	if broadcast {
		c.lastBroadcast = now
	}
	c.mu.Unlock()

	if !broadcast {
		return nil
	}

	snapshot := &job.Job{
		ID:              c.jobID,
		Type:            c.jobType,
		Tenant:          c.tenant,
		Status:          job.StatusRunning,
		Progress:        percent,
		ProgressMessage: message,
		UpdatedAt:       now,
	}
	c.notifier.Progress(ctx, snapshot, c.tenant)
	return nil
}

// IsCanceled reports whether cancellation has been requested, checking
// the persisted status. Once observed, the result is cached so repeated
// checks inside a tight handler loop do not hit the store.
func (c *Context) IsCanceled(ctx context.Context) bool {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	status, err := c.store.GetStatus(ctx, c.jobID)
	if err != nil {
		// Unable to read the status; let the attempt continue and the
		// executor resolve the final state.
		c.logger.Warn("cancellation check failed",
			slog.String("job_id", c.jobID.String()),
			slog.Any("error", err))
		return false
	}

	if status != job.StatusCanceled {
		return false
	}

	c.mu.Lock()
	c.canceled = true
	c.mu.Unlock()
	return true
}
