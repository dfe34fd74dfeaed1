// Package breaker implements a per-(job type, tenant) circuit breaker.
//
// A breaker record exists only while the circuit is not closed: a closed
// circuit is represented by the absence of a row. When the recent
// failure rate for a (type, tenant) pair crosses the configured
// threshold the circuit opens, and new executions are dead-lettered
// without consuming retries until the cooldown elapses. After cooldown
// one probe execution is allowed through (half-open); its outcome
// either deletes the record or reopens the circuit.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/job"
)

// State of a non-closed circuit.
type State string

const (
	// StateOpen rejects all executions until the cooldown elapses.
	StateOpen State = "Open"
	// StateHalfOpen allows a single probe execution.
	StateHalfOpen State = "Half-Open"
)

// Record is the persisted state of one non-closed circuit.
type Record struct {
	JobType string `json:"job_type"`
	Tenant  string `json:"tenant"`
	State   State  `json:"state"`
	Reason  string `json:"reason"`

	OpenedAt time.Time `json:"opened_at"`

	// Cooldown is how long after OpenedAt the circuit stays fully open.
	Cooldown time.Duration `json:"cooldown"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the persistence contract for breaker records.
type Store interface {
	// GetBreaker returns the record for a (type, tenant) pair, or
	// (nil, nil) when the circuit is closed (no record).
	GetBreaker(ctx context.Context, jobType, tenant string) (*Record, error)

	// PutBreaker inserts or replaces a record.
	PutBreaker(ctx context.Context, r *Record) error

	// DeleteBreaker removes a record, closing the circuit. Deleting an
	// absent record is not an error.
	DeleteBreaker(ctx context.Context, jobType, tenant string) error

	// ListBreakers returns all non-closed records, optionally filtered to
	// one tenant (empty = all tenants).
	ListBreakers(ctx context.Context, tenant string) ([]*Record, error)
}

// OutcomeSource supplies recent execution outcomes for rate evaluation.
// Satisfied by job.Store.
type OutcomeSource interface {
	Outcomes(ctx context.Context, jobType, tenant string, since time.Time) (job.OutcomeStats, error)
}

// Decision is the breaker's verdict for an execution about to start.
type Decision int

const (
	// Allow lets the execution proceed normally.
	Allow Decision = iota
	// AllowProbe lets the execution proceed as the half-open probe.
	AllowProbe
	// Reject dead-letters the job without consuming a retry.
	Reject
)

// Config is the evaluated breaker policy for one job type, with engine
// defaults already applied.
type Config struct {
	Enabled        bool
	Threshold      float64
	MinSamples     int
	Window         time.Duration
	Cooldown       time.Duration
	ReopenCooldown time.Duration
}

// ConfigFor merges a job type's breaker settings with the engine
// defaults.
func ConfigFor(t *job.Type, d conveyor.Defaults) Config {
	cfg := Config{
		Enabled:        t.EnableBreaker,
		Threshold:      t.BreakerThreshold,
		MinSamples:     t.BreakerMinSamples,
		Window:         t.BreakerWindow,
		Cooldown:       t.BreakerCooldown,
		ReopenCooldown: d.BreakerReopenCooldown,
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = d.BreakerThreshold
	}
	if cfg.MinSamples == 0 {
		cfg.MinSamples = d.BreakerMinSamples
	}
	if cfg.Window == 0 {
		cfg.Window = d.BreakerWindow
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = d.BreakerCooldown
	}
	return cfg
}

// Breaker evaluates and maintains circuit state. Safe for concurrent
// use; all state lives in the store.
type Breaker struct {
	store    Store
	outcomes OutcomeSource
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a breaker backed by the given stores.
func New(store Store, outcomes OutcomeSource, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		store:    store,
		outcomes: outcomes,
		logger:   logger,
		now:      time.Now,
	}
}

// Check evaluates the circuit for a (type, tenant) pair before an
// execution starts. It returns the decision and, for Reject, the reason
// recorded on the dead-lettered job.
//
// An open circuit whose cooldown has elapsed transitions to half-open
// and the caller becomes the probe.
func (b *Breaker) Check(ctx context.Context, cfg Config, jobType, tenant string) (Decision, string, error) {
	if !cfg.Enabled {
		return Allow, "", nil
	}

	rec, err := b.store.GetBreaker(ctx, jobType, tenant)
	if err != nil {
		return Allow, "", fmt.Errorf("breaker: check %s/%s: %w", jobType, tenant, err)
	}
	if rec == nil {
		return Allow, "", nil
	}

	now := b.now()

	switch rec.State {
	case StateOpen:
		if now.Sub(rec.OpenedAt) < rec.Cooldown {
			return Reject, rec.Reason, nil
		}

		rec.State = StateHalfOpen
		rec.UpdatedAt = now
		if err := b.store.PutBreaker(ctx, rec); err != nil {
			return Allow, "", fmt.Errorf("breaker: half-open %s/%s: %w", jobType, tenant, err)
		}
		b.logger.Info("circuit half-open, allowing probe",
			slog.String("job_type", jobType),
			slog.String("tenant", tenant))
		return AllowProbe, "", nil

	case StateHalfOpen:
		// Another execution is already probing. Treat this one as open.
		return Reject, rec.Reason, nil

	default:
		return Allow, "", nil
	}
}

// RecordOutcome feeds an execution result back into the circuit. It is
// best-effort: store errors are logged and never fail the job.
//
//   - Half-open + success: the probe passed, the circuit closes.
//   - Half-open + failure: the circuit reopens with the reopen cooldown.
//   - Closed + failure: the recent failure rate is evaluated and the
//     circuit opens if it crosses the threshold with enough samples.
func (b *Breaker) RecordOutcome(ctx context.Context, cfg Config, jobType, tenant string, success bool) {
	if !cfg.Enabled {
		return
	}

	rec, err := b.store.GetBreaker(ctx, jobType, tenant)
	if err != nil {
		b.logger.Error("breaker outcome lookup failed",
			slog.String("job_type", jobType),
			slog.String("tenant", tenant),
			slog.Any("error", err))
		return
	}

	now := b.now()

	if rec != nil && rec.State == StateHalfOpen {
		if success {
			if err := b.store.DeleteBreaker(ctx, jobType, tenant); err != nil {
				b.logger.Error("breaker close failed",
					slog.String("job_type", jobType),
					slog.String("tenant", tenant),
					slog.Any("error", err))
				return
			}
			b.logger.Info("circuit closed after successful probe",
				slog.String("job_type", jobType),
				slog.String("tenant", tenant))
			return
		}

		rec.State = StateOpen
		rec.OpenedAt = now
		rec.Cooldown = cfg.ReopenCooldown
		rec.Reason = "probe execution failed"
		rec.UpdatedAt = now
		if err := b.store.PutBreaker(ctx, rec); err != nil {
			b.logger.Error("breaker reopen failed",
				slog.String("job_type", jobType),
				slog.String("tenant", tenant),
				slog.Any("error", err))
			return
		}
		b.logger.Warn("circuit reopened after failed probe",
			slog.String("job_type", jobType),
			slog.String("tenant", tenant))
		return
	}

	if rec != nil || success {
		// Open circuit outcomes and closed-circuit successes do not
		// change state.
		return
	}

	since := now.Add(-cfg.Window)
	stats, err := b.outcomes.Outcomes(ctx, jobType, tenant, since)
	if err != nil {
		b.logger.Error("breaker outcome stats failed",
			slog.String("job_type", jobType),
			slog.String("tenant", tenant),
			slog.Any("error", err))
		return
	}

	if stats.Total < int64(cfg.MinSamples) {
		return
	}

	rate := float64(stats.Failed) / float64(stats.Total)
	if rate < cfg.Threshold {
		return
	}

	reason := fmt.Sprintf("failure rate %.0f%% exceeds threshold %.0f%% (%d/%d in last %d minutes)",
		rate*100, cfg.Threshold*100, stats.Failed, stats.Total, int(cfg.Window.Minutes()))

	opened := &Record{
		JobType:   jobType,
		Tenant:    tenant,
		State:     StateOpen,
		Reason:    reason,
		OpenedAt:  now,
		Cooldown:  cfg.Cooldown,
		UpdatedAt: now,
	}
	if err := b.store.PutBreaker(ctx, opened); err != nil {
		b.logger.Error("breaker open failed",
			slog.String("job_type", jobType),
			slog.String("tenant", tenant),
			slog.Any("error", err))
		return
	}
	b.logger.Warn("circuit opened",
		slog.String("job_type", jobType),
		slog.String("tenant", tenant),
		slog.String("reason", reason))
}

// ManualClose deletes the circuit record for a (type, tenant) pair.
// Returns conveyor.ErrBreakerNotFound if the circuit is already closed.
func (b *Breaker) ManualClose(ctx context.Context, jobType, tenant string) error {
	rec, err := b.store.GetBreaker(ctx, jobType, tenant)
	if err != nil {
		return fmt.Errorf("breaker: manual close %s/%s: %w", jobType, tenant, err)
	}
	if rec == nil {
		return conveyor.ErrBreakerNotFound
	}
	if err := b.store.DeleteBreaker(ctx, jobType, tenant); err != nil {
		return fmt.Errorf("breaker: manual close %s/%s: %w", jobType, tenant, err)
	}
	b.logger.Info("circuit manually closed",
		slog.String("job_type", jobType),
		slog.String("tenant", tenant))
	return nil
}

// OpenCircuits lists all non-closed circuits, optionally filtered to one
// tenant.
func (b *Breaker) OpenCircuits(ctx context.Context, tenant string) ([]*Record, error) {
	recs, err := b.store.ListBreakers(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("breaker: list: %w", err)
	}
	return recs, nil
}

// SetClock overrides the time source. Tests only.
func (b *Breaker) SetClock(now func() time.Time) { b.now = now }
