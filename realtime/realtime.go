// Package realtime defines the event contract for pushing job lifecycle
// updates to interested clients, and the Notifier that enforces tenant
// isolation on every broadcast.
package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/job"
)

// Event names pushed to clients.
const (
	// EventStatusChanged fires on every status transition.
	EventStatusChanged = "job_status_changed"
	// EventProgress fires on throttled progress updates.
	EventProgress = "job_progress"
)

// Publisher delivers an event to every client subscribed to the tenant's
// channel. Implementations must not block on slow clients.
type Publisher interface {
	Publish(ctx context.Context, tenant, event string, payload any) error
}

// StatusChangedEvent is the payload for EventStatusChanged.
type StatusChangedEvent struct {
	JobID           string    `json:"job_id"`
	FromStatus      string    `json:"from_status"`
	ToStatus        string    `json:"to_status"`
	UpdatedAt       time.Time `json:"updated_at"`
	OutputReference string    `json:"output_reference,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// ProgressEvent is the payload for EventProgress.
type ProgressEvent struct {
	JobID           string    `json:"job_id"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress"`
	ProgressMessage string    `json:"progress_message,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Notifier broadcasts job events to tenant channels. Every broadcast
// passes the caller's claimed tenant; a mismatch against the job's
// stored tenant silently drops the event, so a spoofed channel name can
// never leak another tenant's data. Publish failures are logged and
// swallowed: realtime is advisory and never fails a state change.
type Notifier struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewNotifier wraps a publisher. A nil publisher disables broadcasting.
func NewNotifier(publisher Publisher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{publisher: publisher, logger: logger}
}

// StatusChanged broadcasts a status transition to the job's tenant
// channel.
func (n *Notifier) StatusChanged(ctx context.Context, j *job.Job, claimedTenant string, from, to job.Status) {
	if n == nil || n.publisher == nil {
		return
	}
	if claimedTenant != j.Tenant {
		n.logger.Warn("dropping event with mismatched tenant",
			slog.String("job_id", j.ID.String()),
			slog.String("claimed_tenant", claimedTenant),
			slog.String("job_tenant", j.Tenant))
		return
	}

	payload := StatusChangedEvent{
		JobID:           j.ID.String(),
		FromStatus:      string(from),
		ToStatus:        string(to),
		UpdatedAt:       j.UpdatedAt,
		OutputReference: j.OutputReference,
		ErrorMessage:    j.ErrorMessage,
	}
	if err := n.publisher.Publish(ctx, j.Tenant, EventStatusChanged, payload); err != nil {
		n.logger.Error("status broadcast failed",
			slog.String("job_id", j.ID.String()),
			slog.Any("error", err))
	}
}

// Progress broadcasts a progress update to the job's tenant channel.
func (n *Notifier) Progress(ctx context.Context, j *job.Job, claimedTenant string) {
	if n == nil || n.publisher == nil {
		return
	}
	if claimedTenant != j.Tenant {
		n.logger.Warn("dropping event with mismatched tenant",
			slog.String("job_id", j.ID.String()),
			slog.String("claimed_tenant", claimedTenant),
			slog.String("job_tenant", j.Tenant))
		return
	}

	payload := ProgressEvent{
		JobID:           j.ID.String(),
		Status:          string(j.Status),
		Progress:        j.Progress,
		ProgressMessage: j.ProgressMessage,
		UpdatedAt:       j.UpdatedAt,
	}
	if err := n.publisher.Publish(ctx, j.Tenant, EventProgress, payload); err != nil {
		n.logger.Error("progress broadcast failed",
			slog.String("job_id", j.ID.String()),
			slog.Any("error", err))
	}
}
