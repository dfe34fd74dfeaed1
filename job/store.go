package job

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// Filter controls tenant scoping, filtering, and pagination for job list
// queries.
type Filter struct {
	// Tenant filters to a single tenant. Empty means no single-tenant
	// filter.
	Tenant string

	// Tenants restricts results to a tenant set. Nil means all tenants
	// (admin); an empty non-nil slice means no tenants (matches nothing).
	Tenants []string

	// Status filters by status. Empty means all statuses.
	Status Status

	// Type filters by job type. Empty means all types.
	Type string

	// Limit is the maximum number of jobs to return. Zero means the
	// store default.
	Limit int

	// Offset is the number of jobs to skip.
	Offset int
}

// OutcomeStats summarizes execution outcomes for circuit breaker
// evaluation. Failed counts Failed, Timed Out, and Dead Letter outcomes.
type OutcomeStats struct {
	Total  int64
	Failed int64
}

// Store defines the persistence contract for jobs, their transition
// logs, and the aggregate queries the engine needs. One backend
// implements the whole interface so multi-row operations can be atomic.
type Store interface {
	// CreateDeduplicated persists a new job and its creation log entry
	// atomically, unless another job with the same hash was created
	// inside the dedup window and is still in a non-terminal status. On
	// a duplicate it returns *conveyor.DuplicateError carrying the
	// existing job's ID and status. Terminal rows never block, and a
	// non-positive window disables deduplication.
	CreateDeduplicated(ctx context.Context, j *Job, entry *LogEntry, window time.Duration) error

	// Get retrieves a job by ID. Returns conveyor.ErrJobNotFound if absent.
	Get(ctx context.Context, jobID id.ID) (*Job, error)

	// GetStatus retrieves only the current status of a job.
	GetStatus(ctx context.Context, jobID id.ID) (Status, error)

	// Update persists changes to an existing job.
	Update(ctx context.Context, j *Job) error

	// AppendLog records a transition log entry.
	AppendLog(ctx context.Context, entry *LogEntry) error

	// History returns a job's log entries ordered by timestamp ascending.
	History(ctx context.Context, jobID id.ID) ([]*LogEntry, error)

	// Delete removes a job and its log entries.
	Delete(ctx context.Context, jobID id.ID) error

	// List returns jobs matching the filter ordered by creation time
	// descending, plus the total match count before pagination.
	List(ctx context.Context, f Filter) ([]*Job, int64, error)

	// WithLock loads the job under an exclusive row lock, invokes fn with
	// the current row, and persists the mutated job plus the returned log
	// entry (if non-nil) in the same transaction. fn must not call back
	// into the store. An error from fn aborts without persisting.
	WithLock(ctx context.Context, jobID id.ID, fn func(j *Job) (*LogEntry, error)) error

	// SetProgress records progress without bumping the job's UpdatedAt.
	// It applies only while the job is Running, so a slow worker cannot
	// scribble on a job that has already been finalized.
	SetProgress(ctx context.Context, jobID id.ID, percent int, message string) error

	// CountRecentByOwner counts submissions of a type by one owner since
	// the given time. Used for job-type rate limiting.
	CountRecentByOwner(ctx context.Context, jobType, owner string, since time.Time) (int64, error)

	// DueRetries returns Failed and Timed Out jobs whose NextRetryAt is
	// at or before now, ordered by NextRetryAt ascending, up to limit.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// ReadyDependents returns Queued jobs whose NextRetryAt is at or
	// before now and whose parent has reached a terminal status, up to
	// limit. Used to wake jobs parked on a dependency.
	ReadyDependents(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// StuckQueued returns Queued jobs with no recheck time whose
	// UpdatedAt is before olderThan, ordered by UpdatedAt ascending, up
	// to limit. These are jobs whose dispatch was lost, for example to
	// an enqueue failure or a transport crash, and that need
	// re-dispatching.
	StuckQueued(ctx context.Context, olderThan time.Time, limit int) ([]*Job, error)

	// TerminalBefore returns IDs of terminal jobs whose CompletedAt is
	// before the cutoff, up to limit. Used by retention cleanup.
	TerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]id.ID, error)

	// CountByStatus returns job counts grouped by status, scoped to the
	// tenant set (nil = all tenants).
	CountByStatus(ctx context.Context, tenants []string) (map[Status]int64, error)

	// QueueDepthByPriority returns Pending+Queued counts grouped by
	// priority, scoped to the tenant set.
	QueueDepthByPriority(ctx context.Context, tenants []string) (map[Priority]int64, error)

	// CompletedDurations returns execution durations in seconds for jobs
	// completed since the given time, sorted ascending, scoped to the
	// tenant set.
	CompletedDurations(ctx context.Context, tenants []string, since time.Time) ([]float64, error)

	// FailureRatesByType returns, per job type, the fraction of attempts
	// since the given time that ended Failed, Timed Out, or Dead Letter,
	// scoped to the tenant set.
	FailureRatesByType(ctx context.Context, tenants []string, since time.Time) (map[string]float64, error)

	// Outcomes summarizes execution outcomes for one (type, tenant) pair
	// since the given time. Used by the circuit breaker.
	Outcomes(ctx context.Context, jobType, tenant string, since time.Time) (OutcomeStats, error)
}
