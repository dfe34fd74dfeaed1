package job

import (
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
)

// Status represents the lifecycle status of a job.
type Status string

const (
	// StatusPending means the job is created but not yet enqueued.
	StatusPending Status = "Pending"
	// StatusQueued means the job is waiting to be picked up by a worker.
	StatusQueued Status = "Queued"
	// StatusRunning means a worker is currently executing the job.
	StatusRunning Status = "Running"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "Completed"
	// StatusFailed means the attempt failed; a retry may be scheduled.
	StatusFailed Status = "Failed"
	// StatusTimedOut means the attempt exceeded its execution timeout.
	StatusTimedOut Status = "Timed Out"
	// StatusDeadLetter means the job exhausted its retries or failed
	// permanently and awaits manual intervention.
	StatusDeadLetter Status = "Dead Letter"
	// StatusCanceled means the job was canceled by a user.
	StatusCanceled Status = "Canceled"
)

// Priority controls queue routing. Critical and High route to the short
// queue, Normal to the default queue, Low to the long queue.
type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityNormal   Priority = "Normal"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// Error classification values stored on the job record.
const (
	ErrorTransient   = "Transient"
	ErrorPermanent   = "Permanent"
	ErrorBreakerOpen = "CircuitBreakerOpen"
)

// Job represents one durable unit of background work.
type Job struct {
	ID     id.ID  `json:"id"`
	Type   string `json:"job_type"`
	Tenant string `json:"tenant"`
	Owner  string `json:"owner"`

	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	// Parameters is the handler input. It participates in the dedup hash.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Hash is the dedup digest over (type, tenant, parameters).
	Hash string `json:"job_hash"`

	Progress        int    `json:"progress"`
	ProgressMessage string `json:"progress_message,omitempty"`

	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	Timeout     time.Duration `json:"timeout"`
	NextRetryAt *time.Time    `json:"next_retry_at,omitempty"`

	// DependsOn optionally names a parent job in the same tenant. The job
	// does not run until the parent completes.
	DependsOn id.ID `json:"depends_on,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CanceledAt  *time.Time `json:"canceled_at,omitempty"`
	CanceledBy  string     `json:"canceled_by,omitempty"`

	// OutputReference points at the handler's result artifact. The job
	// record never stores result payloads inline.
	OutputReference string `json:"output_reference,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ValidTransitions is the complete set of legal status edges. Any
// transition not listed here is rejected.
var ValidTransitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusCanceled},
	StatusQueued:     {StatusRunning, StatusCanceled, StatusDeadLetter},
	StatusRunning:    {StatusCompleted, StatusFailed, StatusTimedOut, StatusCanceled, StatusDeadLetter},
	StatusFailed:     {StatusQueued, StatusDeadLetter},
	StatusTimedOut:   {StatusQueued, StatusDeadLetter},
	StatusDeadLetter: {StatusQueued},
	StatusCompleted:  {},
	StatusCanceled:   {},
}

// Terminal reports whether the job is in a status that ends its
// lifecycle without operator action. Failed and Timed Out are not
// terminal: a retry may still be pending.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCanceled, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// CanCancel reports whether the job may be canceled from its current
// status.
func (j *Job) CanCancel() bool {
	switch j.Status {
	case StatusPending, StatusQueued, StatusRunning:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the edge from → to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves j to the target status, validating the edge and
// applying per-status field invariants. It returns the log entry
// recording the transition; the caller persists both atomically.
//
// If message is empty, a default human-readable message for the edge is
// used. Returns *conveyor.InvalidTransitionError for illegal edges.
func Transition(j *Job, to Status, actor, message string, now time.Time) (*LogEntry, error) {
	from := j.Status
	if !CanTransition(from, to) {
		return nil, &conveyor.InvalidTransitionError{From: string(from), To: string(to)}
	}

	switch to {
	case StatusQueued:
		// Re-queue clears the previous attempt's failure details so the
		// record reflects the upcoming attempt.
		j.ErrorMessage = ""
		j.ErrorType = ""
		j.NextRetryAt = nil
	case StatusRunning:
		t := now
		j.StartedAt = &t
	case StatusCompleted:
		t := now
		j.CompletedAt = &t
		j.Progress = 100
	case StatusCanceled:
		t := now
		j.CompletedAt = &t
		j.CanceledAt = &t
		j.CanceledBy = actor
	case StatusDeadLetter:
		t := now
		j.CompletedAt = &t
	case StatusFailed, StatusTimedOut, StatusPending:
		// Failure details are set by the caller before transitioning.
	}

	j.Status = to
	j.UpdatedAt = now

	if message == "" {
		message = transitionMessage(from, to)
	}

	return &LogEntry{
		ID:           id.NewLogID(),
		JobID:        j.ID,
		From:         from,
		To:           to,
		Timestamp:    now,
		Actor:        actor,
		Message:      message,
		RetryAttempt: j.RetryCount,
	}, nil
}

// QueueFor maps a priority to its dispatch queue name.
func QueueFor(p Priority) string {
	switch p {
	case PriorityCritical, PriorityHigh:
		return "short"
	case PriorityLow:
		return "long"
	default:
		return "default"
	}
}

// Validate checks structural invariants on a job before persistence.
func (j *Job) Validate() error {
	if j.Type == "" {
		return fmt.Errorf("job: missing type")
	}
	if j.Tenant == "" {
		return fmt.Errorf("job: missing tenant")
	}
	if j.Owner == "" {
		return fmt.Errorf("job: missing owner")
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("job: negative max retries")
	}
	return nil
}
