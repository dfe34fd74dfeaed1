package engine

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/job"
)

// Aggregation windows for the metrics snapshot.
const (
	durationWindow    = time.Hour
	failureRateWindow = 24 * time.Hour
)

// Metrics is a point-in-time snapshot of engine health, scoped to the
// caller's visible tenants.
type Metrics struct {
	GeneratedAt time.Time `json:"generated_at"`

	// Counts is the current number of jobs per status.
	Counts map[job.Status]int64 `json:"counts"`

	// QueueDepth is the number of Pending and Queued jobs per priority.
	QueueDepth map[job.Priority]int64 `json:"queue_depth"`

	// AvgDuration and P95Duration summarize execution times, in seconds,
	// of jobs completed in the last hour.
	AvgDuration float64 `json:"avg_duration_seconds"`
	P95Duration float64 `json:"p95_duration_seconds"`

	// FailureRates is the per-type fraction of attempts in the last 24
	// hours that ended Failed, Timed Out, or Dead Letter.
	FailureRates map[string]float64 `json:"failure_rates"`
}

// Snapshot computes the current metrics for the caller's tenant scope.
// A non-empty tenant narrows the snapshot to that tenant, provided the
// caller may access it.
func (e *Engine) Snapshot(ctx context.Context, c conveyor.Caller, tenant string) (*Metrics, error) {
	now := e.now()
	m := &Metrics{
		GeneratedAt:  now,
		Counts:       map[job.Status]int64{},
		QueueDepth:   map[job.Priority]int64{},
		FailureRates: map[string]float64{},
	}

	var tenants []string
	if tenant != "" {
		if err := e.perms.CanAccessTenant(ctx, c, tenant); err != nil {
			return nil, err
		}
		tenants = []string{tenant}
	} else {
		var err error
		tenants, err = e.tenantScope(ctx, c)
		if err != nil {
			return nil, err
		}
	}
	if tenants != nil && len(tenants) == 0 {
		// A caller with no tenant memberships sees an empty snapshot, not
		// an error.
		return m, nil
	}

	counts, err := e.store.CountByStatus(ctx, tenants)
	if err != nil {
		return nil, err
	}
	m.Counts = counts

	depth, err := e.store.QueueDepthByPriority(ctx, tenants)
	if err != nil {
		return nil, err
	}
	m.QueueDepth = depth

	durations, err := e.store.CompletedDurations(ctx, tenants, now.Add(-durationWindow))
	if err != nil {
		return nil, err
	}
	if len(durations) > 0 {
		var sum float64
		for _, d := range durations {
			sum += d
		}
		m.AvgDuration = sum / float64(len(durations))
		// durations arrive sorted ascending; index 0.95*N clamped to the
		// last element.
		idx := len(durations) * 95 / 100
		if idx >= len(durations) {
			idx = len(durations) - 1
		}
		m.P95Duration = durations[idx]
	}

	rates, err := e.store.FailureRatesByType(ctx, tenants, now.Add(-failureRateWindow))
	if err != nil {
		return nil, err
	}
	m.FailureRates = rates

	return m, nil
}
