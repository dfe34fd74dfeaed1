// Package memory is a fully in-memory store implementation.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/breaker"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// Compile-time interface checks.
var (
	_ job.Store     = (*Store)(nil)
	_ breaker.Store = (*Store)(nil)
)

// defaultListLimit applies when a List filter leaves Limit at zero.
const defaultListLimit = 100

// Store holds jobs, transition logs, and breaker records in maps behind
// one mutex. All returned entities are copies; callers can mutate them
// freely.
type Store struct {
	mu sync.RWMutex

	jobs     map[string]*job.Job
	logs     map[string][]*job.LogEntry // jobID → entries in append order
	breakers map[string]*breaker.Record // "type/tenant" → record
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*job.Job),
		logs:     make(map[string][]*job.LogEntry),
		breakers: make(map[string]*breaker.Record),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

func copyJob(j *job.Job) *job.Job {
	cp := *j
	if j.Parameters != nil {
		params := make(map[string]any, len(j.Parameters))
		for k, v := range j.Parameters {
			params[k] = v
		}
		cp.Parameters = params
	}
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	cp.NextRetryAt = copyTime(j.NextRetryAt)
	cp.StartedAt = copyTime(j.StartedAt)
	cp.CompletedAt = copyTime(j.CompletedAt)
	cp.CanceledAt = copyTime(j.CanceledAt)
	return &cp
}

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// CreateDeduplicated persists a new job and its creation log entry
// unless a duplicate exists.
func (m *Store) CreateDeduplicated(_ context.Context, j *job.Job, entry *job.LogEntry, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A duplicate is a non-terminal job with the same hash created inside
	// the window. Terminal rows never block, so identical work can be
	// resubmitted as soon as the previous run settles.
	if window > 0 {
		cutoff := j.CreatedAt.Add(-window)
		for _, existing := range m.jobs {
			if existing.Hash != j.Hash || existing.Terminal() {
				continue
			}
			if existing.CreatedAt.Before(cutoff) {
				continue
			}
			return &conveyor.DuplicateError{JobID: existing.ID.String(), Status: string(existing.Status)}
		}
	}

	m.jobs[j.ID.String()] = copyJob(j)
	if entry != nil {
		cp := *entry
		m.logs[j.ID.String()] = append(m.logs[j.ID.String()], &cp)
	}
	return nil
}

// Get retrieves a job by ID.
func (m *Store) Get(_ context.Context, jobID id.ID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	return copyJob(j), nil
}

// GetStatus retrieves only the current status of a job.
func (m *Store) GetStatus(_ context.Context, jobID id.ID) (job.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return "", conveyor.ErrJobNotFound
	}
	return j.Status, nil
}

// Update persists changes to an existing job.
func (m *Store) Update(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID.String()]; !ok {
		return conveyor.ErrJobNotFound
	}
	m.jobs[j.ID.String()] = copyJob(j)
	return nil
}

// AppendLog records a transition log entry.
func (m *Store) AppendLog(_ context.Context, entry *job.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.logs[entry.JobID.String()] = append(m.logs[entry.JobID.String()], &cp)
	return nil
}

// History returns a job's log entries ordered by timestamp ascending.
func (m *Store) History(_ context.Context, jobID id.ID) ([]*job.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[jobID.String()]; !ok {
		return nil, conveyor.ErrJobNotFound
	}

	entries := m.logs[jobID.String()]
	out := make([]*job.LogEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Timestamp.Before(out[b].Timestamp)
	})
	return out, nil
}

// Delete removes a job and its log entries.
func (m *Store) Delete(_ context.Context, jobID id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID.String()]; !ok {
		return conveyor.ErrJobNotFound
	}
	delete(m.jobs, jobID.String())
	delete(m.logs, jobID.String())
	return nil
}

func tenantAllowed(tenants []string, tenant string) bool {
	if tenants == nil {
		return true
	}
	for _, t := range tenants {
		if t == tenant {
			return true
		}
	}
	return false
}

func matches(j *job.Job, f job.Filter) bool {
	if f.Tenant != "" && j.Tenant != f.Tenant {
		return false
	}
	if !tenantAllowed(f.Tenants, j.Tenant) {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	return true
}

// List returns jobs matching the filter ordered by creation time
// descending, plus the total match count before pagination.
func (m *Store) List(_ context.Context, f job.Filter) ([]*job.Job, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*job.Job
	for _, j := range m.jobs {
		if matches(j, f) {
			all = append(all, j)
		}
	}

	sort.SliceStable(all, func(a, b int) bool {
		if all[a].CreatedAt.Equal(all[b].CreatedAt) {
			// Tie-break on ID for stable pagination.
			return strings.Compare(all[a].ID.String(), all[b].ID.String()) > 0
		}
		return all[a].CreatedAt.After(all[b].CreatedAt)
	})

	total := int64(len(all))

	offset := f.Offset
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit < len(all) {
		all = all[:limit]
	}

	out := make([]*job.Job, len(all))
	for i, j := range all {
		out[i] = copyJob(j)
	}
	return out, total, nil
}

// WithLock loads the job, invokes fn, and persists the mutated job plus
// the returned log entry atomically under the store mutex.
func (m *Store) WithLock(_ context.Context, jobID id.ID, fn func(j *job.Job) (*job.LogEntry, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}

	working := copyJob(current)
	entry, err := fn(working)
	if err != nil {
		return err
	}

	m.jobs[jobID.String()] = copyJob(working)
	if entry != nil {
		cp := *entry
		m.logs[jobID.String()] = append(m.logs[jobID.String()], &cp)
	}
	return nil
}

// SetProgress records progress for a Running job without bumping
// UpdatedAt. Writes against non-Running jobs are dropped.
func (m *Store) SetProgress(_ context.Context, jobID id.ID, percent int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.Status != job.StatusRunning {
		return nil
	}
	j.Progress = percent
	j.ProgressMessage = message
	return nil
}

// CountRecentByOwner counts submissions of a type by one owner since the
// given time.
func (m *Store) CountRecentByOwner(_ context.Context, jobType, owner string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if j.Type == jobType && j.Owner == owner && !j.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// DueRetries returns Failed and Timed Out jobs whose NextRetryAt is at
// or before now, ordered by NextRetryAt ascending.
func (m *Store) DueRetries(_ context.Context, now time.Time, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*job.Job
	for _, j := range m.jobs {
		if j.Status != job.StatusFailed && j.Status != job.StatusTimedOut {
			continue
		}
		if j.NextRetryAt == nil || j.NextRetryAt.After(now) {
			continue
		}
		due = append(due, j)
	}

	sort.SliceStable(due, func(a, b int) bool {
		return due[a].NextRetryAt.Before(*due[b].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*job.Job, len(due))
	for i, j := range due {
		out[i] = copyJob(j)
	}
	return out, nil
}

// ReadyDependents returns Queued jobs parked on a dependency whose
// parent has reached a terminal status and whose recheck time has
// arrived.
func (m *Store) ReadyDependents(_ context.Context, now time.Time, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ready []*job.Job
	for _, j := range m.jobs {
		if j.Status != job.StatusQueued || j.DependsOn.IsNil() {
			continue
		}
		if j.NextRetryAt == nil || j.NextRetryAt.After(now) {
			continue
		}
		parent, ok := m.jobs[j.DependsOn.String()]
		if !ok || !parent.Terminal() {
			continue
		}
		ready = append(ready, j)
	}

	sort.SliceStable(ready, func(a, b int) bool {
		return ready[a].NextRetryAt.Before(*ready[b].NextRetryAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]*job.Job, len(ready))
	for i, j := range ready {
		out[i] = copyJob(j)
	}
	return out, nil
}

// StuckQueued returns Queued jobs with no recheck time whose UpdatedAt
// is before olderThan. Dependency-parked jobs carry a recheck time and
// belong to ReadyDependents instead.
func (m *Store) StuckQueued(_ context.Context, olderThan time.Time, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stuck []*job.Job
	for _, j := range m.jobs {
		if j.Status != job.StatusQueued || j.NextRetryAt != nil {
			continue
		}
		if !j.UpdatedAt.Before(olderThan) {
			continue
		}
		stuck = append(stuck, j)
	}

	sort.SliceStable(stuck, func(a, b int) bool {
		return stuck[a].UpdatedAt.Before(stuck[b].UpdatedAt)
	})
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}

	out := make([]*job.Job, len(stuck))
	for i, j := range stuck {
		out[i] = copyJob(j)
	}
	return out, nil
}

// TerminalBefore returns IDs of terminal jobs completed before the
// cutoff.
func (m *Store) TerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]id.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []id.ID
	for _, j := range m.jobs {
		if !j.Terminal() || j.CompletedAt == nil {
			continue
		}
		if j.CompletedAt.Before(cutoff) {
			out = append(out, j.ID)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Metrics queries
// ──────────────────────────────────────────────────

// CountByStatus returns job counts grouped by status.
func (m *Store) CountByStatus(_ context.Context, tenants []string) (map[job.Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[job.Status]int64)
	for _, j := range m.jobs {
		if tenantAllowed(tenants, j.Tenant) {
			out[j.Status]++
		}
	}
	return out, nil
}

// QueueDepthByPriority returns Pending+Queued counts grouped by priority.
func (m *Store) QueueDepthByPriority(_ context.Context, tenants []string) (map[job.Priority]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[job.Priority]int64)
	for _, j := range m.jobs {
		if j.Status != job.StatusPending && j.Status != job.StatusQueued {
			continue
		}
		if tenantAllowed(tenants, j.Tenant) {
			out[j.Priority]++
		}
	}
	return out, nil
}

// CompletedDurations returns execution durations in seconds for jobs
// completed since the given time, sorted ascending.
func (m *Store) CompletedDurations(_ context.Context, tenants []string, since time.Time) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []float64
	for _, j := range m.jobs {
		if j.Status != job.StatusCompleted || j.CompletedAt == nil || j.StartedAt == nil {
			continue
		}
		if j.CompletedAt.Before(since) {
			continue
		}
		if tenantAllowed(tenants, j.Tenant) {
			out = append(out, j.CompletedAt.Sub(*j.StartedAt).Seconds())
		}
	}
	sort.Float64s(out)
	return out, nil
}

func failedOutcome(s job.Status) bool {
	return s == job.StatusFailed || s == job.StatusTimedOut || s == job.StatusDeadLetter
}

// FailureRatesByType returns the per-type fraction of settled attempts
// that ended in failure since the given time.
func (m *Store) FailureRatesByType(_ context.Context, tenants []string, since time.Time) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[string]int64)
	failed := make(map[string]int64)
	for _, j := range m.jobs {
		if !tenantAllowed(tenants, j.Tenant) {
			continue
		}
		settled := j.Status == job.StatusCompleted || failedOutcome(j.Status)
		if !settled || j.UpdatedAt.Before(since) {
			continue
		}
		totals[j.Type]++
		if failedOutcome(j.Status) {
			failed[j.Type]++
		}
	}

	out := make(map[string]float64, len(totals))
	for t, total := range totals {
		out[t] = float64(failed[t]) / float64(total)
	}
	return out, nil
}

// Outcomes summarizes execution outcomes for one (type, tenant) pair
// since the given time.
func (m *Store) Outcomes(_ context.Context, jobType, tenant string, since time.Time) (job.OutcomeStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats job.OutcomeStats
	for _, j := range m.jobs {
		if j.Type != jobType || j.Tenant != tenant {
			continue
		}
		settled := j.Status == job.StatusCompleted || failedOutcome(j.Status)
		if !settled || j.UpdatedAt.Before(since) {
			continue
		}
		stats.Total++
		if failedOutcome(j.Status) {
			stats.Failed++
		}
	}
	return stats, nil
}

// ──────────────────────────────────────────────────
// Breaker store
// ──────────────────────────────────────────────────

func breakerKey(jobType, tenant string) string { return jobType + "/" + tenant }

// GetBreaker returns the record for a (type, tenant) pair, or nil when
// the circuit is closed.
func (m *Store) GetBreaker(_ context.Context, jobType, tenant string) (*breaker.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.breakers[breakerKey(jobType, tenant)]
	if !ok {
		return nil, nil //nolint:nilnil // absent record means closed circuit
	}
	cp := *rec
	return &cp, nil
}

// PutBreaker inserts or replaces a record.
func (m *Store) PutBreaker(_ context.Context, r *breaker.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.breakers[breakerKey(r.JobType, r.Tenant)] = &cp
	return nil
}

// DeleteBreaker removes a record, closing the circuit.
func (m *Store) DeleteBreaker(_ context.Context, jobType, tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.breakers, breakerKey(jobType, tenant))
	return nil
}

// ListBreakers returns all non-closed records, optionally filtered to
// one tenant.
func (m *Store) ListBreakers(_ context.Context, tenant string) ([]*breaker.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*breaker.Record
	for _, rec := range m.breakers {
		if tenant != "" && rec.Tenant != tenant {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Tenant == out[b].Tenant {
			return out[a].JobType < out[b].JobType
		}
		return out[a].Tenant < out[b].Tenant
	})
	return out, nil
}
