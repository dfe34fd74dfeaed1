package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// defaultListLimit caps unpaginated list queries.
const defaultListLimit = 100

// terminalStatuses and settledStatuses are reused in filter clauses.
var (
	terminalStatuses = []string{"Completed", "Canceled", "Dead Letter"}
	settledStatuses  = []string{"Completed", "Failed", "Timed Out", "Dead Letter"}
	failedStatuses   = []string{"Failed", "Timed Out", "Dead Letter"}
)

// List returns jobs matching the filter ordered by creation time
// descending, plus the total match count before pagination.
func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, int64, error) {
	if f.Tenants != nil && len(f.Tenants) == 0 {
		return []*job.Job{}, 0, nil
	}

	where := " WHERE 1=1"
	args := []any{}
	argIdx := 1

	if f.Tenants != nil {
		where += fmt.Sprintf(" AND tenant = ANY($%d)", argIdx)
		args = append(args, f.Tenants)
		argIdx++
	}
	if f.Tenant != "" {
		where += fmt.Sprintf(" AND tenant = $%d", argIdx)
		args = append(args, f.Tenant)
		argIdx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.Type != "" {
		where += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, f.Type)
		argIdx++
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conveyor_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("conveyor/postgres: count jobs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + jobColumns + ` FROM conveyor_jobs` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("conveyor/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	return jobs, total, nil
}

// CountRecentByOwner counts submissions of a type by one owner since the
// given time.
func (s *Store) CountRecentByOwner(ctx context.Context, jobType, owner string, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM conveyor_jobs
		WHERE job_type = $1 AND owner = $2 AND created_at >= $3`,
		jobType, owner, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: count recent by owner: %w", err)
	}
	return count, nil
}

// DueRetries returns Failed and Timed Out jobs whose NextRetryAt is at
// or before now, ordered by NextRetryAt ascending.
func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM conveyor_jobs
		WHERE status IN ('Failed', 'Timed Out')
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: due retries: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ReadyDependents returns Queued jobs parked on a dependency whose
// parent has reached a terminal status and whose recheck time has
// arrived.
func (s *Store) ReadyDependents(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM conveyor_jobs c
		WHERE c.status = 'Queued'
		  AND c.depends_on IS NOT NULL
		  AND c.next_retry_at IS NOT NULL
		  AND c.next_retry_at <= $1
		  AND EXISTS (
			SELECT 1 FROM conveyor_jobs p
			WHERE p.id = c.depends_on
			  AND p.status = ANY($2)
		  )
		ORDER BY c.next_retry_at ASC
		LIMIT $3`,
		now, terminalStatuses, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: ready dependents: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// StuckQueued returns Queued jobs with no recheck time whose updated_at
// is before olderThan. Dependency-parked jobs carry a recheck time and
// belong to ReadyDependents instead.
func (s *Store) StuckQueued(ctx context.Context, olderThan time.Time, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM conveyor_jobs
		WHERE status = 'Queued'
		  AND next_retry_at IS NULL
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: stuck queued: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// TerminalBefore returns IDs of terminal jobs completed before the
// cutoff.
func (s *Store) TerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]id.ID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM conveyor_jobs
		WHERE status = ANY($1)
		  AND completed_at IS NOT NULL
		  AND completed_at < $2
		LIMIT $3`,
		terminalStatuses, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: terminal before: %w", err)
	}
	defer rows.Close()

	var out []id.ID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan id: %w", err)
		}
		jobID, parseErr := id.ParseJobID(idStr)
		if parseErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: parse job id %q: %w", idStr, parseErr)
		}
		out = append(out, jobID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate ids: %w", err)
	}
	return out, nil
}

// tenantClause appends an optional tenant-set filter. A nil set means
// all tenants.
func tenantClause(where string, args []any, tenants []string) (string, []any) {
	if tenants == nil {
		return where, args
	}
	where += fmt.Sprintf(" AND tenant = ANY($%d)", len(args)+1)
	return where, append(args, tenants)
}

// CountByStatus returns job counts grouped by status, scoped to the
// tenant set.
func (s *Store) CountByStatus(ctx context.Context, tenants []string) (map[job.Status]int64, error) {
	out := make(map[job.Status]int64)
	if tenants != nil && len(tenants) == 0 {
		return out, nil
	}

	where, args := tenantClause(" WHERE 1=1", nil, tenants)
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM conveyor_jobs`+where+` GROUP BY status`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan status count: %w", err)
		}
		out[job.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate status counts: %w", err)
	}
	return out, nil
}

// QueueDepthByPriority returns Pending and Queued counts grouped by
// priority, scoped to the tenant set.
func (s *Store) QueueDepthByPriority(ctx context.Context, tenants []string) (map[job.Priority]int64, error) {
	out := make(map[job.Priority]int64)
	if tenants != nil && len(tenants) == 0 {
		return out, nil
	}

	where, args := tenantClause(` WHERE status IN ('Pending', 'Queued')`, nil, tenants)
	rows, err := s.pool.Query(ctx,
		`SELECT priority, COUNT(*) FROM conveyor_jobs`+where+` GROUP BY priority`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: queue depth: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var priority string
		var count int64
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan depth: %w", err)
		}
		out[job.Priority(priority)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate depths: %w", err)
	}
	return out, nil
}

// CompletedDurations returns execution durations in seconds for jobs
// completed since the given time, sorted ascending.
func (s *Store) CompletedDurations(ctx context.Context, tenants []string, since time.Time) ([]float64, error) {
	if tenants != nil && len(tenants) == 0 {
		return nil, nil
	}

	where := ` WHERE status = 'Completed'
		  AND started_at IS NOT NULL
		  AND completed_at >= $1`
	args := []any{since}
	where, args = tenantClause(where, args, tenants)

	rows, err := s.pool.Query(ctx, `
		SELECT EXTRACT(EPOCH FROM (completed_at - started_at))::float8
		FROM conveyor_jobs`+where+`
		ORDER BY 1 ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: completed durations: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan duration: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate durations: %w", err)
	}
	return out, nil
}

// FailureRatesByType returns, per job type, the fraction of settled
// attempts since the given time that ended Failed, Timed Out, or Dead
// Letter.
func (s *Store) FailureRatesByType(ctx context.Context, tenants []string, since time.Time) (map[string]float64, error) {
	out := make(map[string]float64)
	if tenants != nil && len(tenants) == 0 {
		return out, nil
	}

	where := ` WHERE status = ANY($1) AND updated_at >= $2`
	args := []any{settledStatuses, since}
	where, args = tenantClause(where, args, tenants)
	args = append(args, failedStatuses)
	failedIdx := len(args)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT job_type,
		       COUNT(*) FILTER (WHERE status = ANY($%d))::float8 / COUNT(*)::float8
		FROM conveyor_jobs%s
		GROUP BY job_type`, failedIdx, where),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: failure rates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var jobType string
		var rate float64
		if err := rows.Scan(&jobType, &rate); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan failure rate: %w", err)
		}
		out[jobType] = rate
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate failure rates: %w", err)
	}
	return out, nil
}

// Outcomes summarizes execution outcomes for one (type, tenant) pair
// since the given time.
func (s *Store) Outcomes(ctx context.Context, jobType, tenant string, since time.Time) (job.OutcomeStats, error) {
	var stats job.OutcomeStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = ANY($4))
		FROM conveyor_jobs
		WHERE job_type = $1 AND tenant = $2
		  AND status = ANY($5)
		  AND updated_at >= $3`,
		jobType, tenant, since, failedStatuses, settledStatuses,
	).Scan(&stats.Total, &stats.Failed)
	if err != nil {
		return job.OutcomeStats{}, fmt.Errorf("conveyor/postgres: outcomes: %w", err)
	}
	return stats, nil
}
