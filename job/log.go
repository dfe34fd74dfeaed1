package job

import (
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// LogEntry is one immutable audit record of a status transition. The
// full history of a job is its ordered sequence of entries.
type LogEntry struct {
	ID        id.ID     `json:"id"`
	JobID     id.ID     `json:"job_id"`
	From      Status    `json:"from_status"`
	To        Status    `json:"to_status"`
	Timestamp time.Time `json:"timestamp"`

	// Actor is the user or subsystem that caused the transition
	// ("system" for engine-internal moves).
	Actor string `json:"actor"`

	Message string `json:"message,omitempty"`

	// RetryAttempt is the job's retry count at transition time.
	RetryAttempt int `json:"retry_attempt"`
}

type edge struct {
	from, to Status
}

var transitionMessages = map[edge]string{
	{StatusPending, StatusQueued}:      "Job enqueued",
	{StatusPending, StatusCanceled}:    "Job canceled before execution",
	{StatusQueued, StatusRunning}:      "Worker started execution",
	{StatusQueued, StatusCanceled}:     "Job canceled while queued",
	{StatusQueued, StatusDeadLetter}:   "Job moved to dead letter queue",
	{StatusRunning, StatusCompleted}:   "Job completed successfully",
	{StatusRunning, StatusFailed}:      "Job execution failed",
	{StatusRunning, StatusTimedOut}:    "Job exceeded execution timeout",
	{StatusRunning, StatusCanceled}:    "Job canceled during execution",
	{StatusRunning, StatusDeadLetter}:  "Job moved to dead letter queue",
	{StatusFailed, StatusQueued}:       "Job re-queued for retry",
	{StatusFailed, StatusDeadLetter}:   "Retry limit exhausted, moved to dead letter queue",
	{StatusTimedOut, StatusQueued}:     "Job re-queued for retry after timeout",
	{StatusTimedOut, StatusDeadLetter}: "Retry limit exhausted, moved to dead letter queue",
	{StatusDeadLetter, StatusQueued}:   "Job manually re-queued from dead letter queue",
}

// transitionMessage returns the default human-readable message for an
// edge. Used when the caller does not supply one.
func transitionMessage(from, to Status) string {
	if msg, ok := transitionMessages[edge{from, to}]; ok {
		return msg
	}
	return "Status changed from " + string(from) + " to " + string(to)
}

// CreationMessage is the log message recorded when a job is first
// persisted in Pending status.
const CreationMessage = "Job created"
