package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// jobColumns is the canonical column list for job selects; scanJob must
// match it positionally.
const jobColumns = `id, job_type, tenant, owner, priority, status, parameters, job_hash,
	progress, progress_message, retry_count, max_retries, timeout, next_retry_at,
	depends_on, created_at, started_at, completed_at, canceled_at, canceled_by,
	output_reference, error_message, error_type, updated_at`

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// jobArgs returns the insert/update argument list matching jobColumns.
func jobArgs(j *job.Job) ([]any, error) {
	var params []byte
	if j.Parameters != nil {
		var err error
		params, err = json.Marshal(j.Parameters)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: marshal parameters: %w", err)
		}
	}

	var dependsOn *string
	if !j.DependsOn.IsNil() {
		s := j.DependsOn.String()
		dependsOn = &s
	}

	return []any{
		j.ID.String(), j.Type, j.Tenant, j.Owner, string(j.Priority), string(j.Status),
		params, j.Hash,
		j.Progress, j.ProgressMessage, j.RetryCount, j.MaxRetries,
		j.Timeout.Nanoseconds(), j.NextRetryAt,
		dependsOn, j.CreatedAt, j.StartedAt, j.CompletedAt, j.CanceledAt, j.CanceledBy,
		j.OutputReference, j.ErrorMessage, j.ErrorType, j.UpdatedAt,
	}, nil
}

// scanJob scans a single job row in jobColumns order.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		priority  string
		status    string
		params    []byte
		timeoutNs int64
		dependsOn *string
	)
	err := row.Scan(
		&idStr, &j.Type, &j.Tenant, &j.Owner, &priority, &status,
		&params, &j.Hash,
		&j.Progress, &j.ProgressMessage, &j.RetryCount, &j.MaxRetries,
		&timeoutNs, &j.NextRetryAt,
		&dependsOn, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.CanceledAt, &j.CanceledBy,
		&j.OutputReference, &j.ErrorMessage, &j.ErrorType, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Priority = job.Priority(priority)
	j.Status = job.Status(status)
	j.Timeout = time.Duration(timeoutNs)

	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Parameters); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: unmarshal parameters: %w", err)
		}
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if dependsOn != nil && *dependsOn != "" {
		parent, depErr := id.ParseJobID(*dependsOn)
		if depErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: parse depends_on %q: %w", *dependsOn, depErr)
		}
		j.DependsOn = parent
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

// scanLogEntry scans a transition log row.
func scanLogEntry(row pgx.Row) (*job.LogEntry, error) {
	var (
		entry   job.LogEntry
		idStr   string
		jobID   string
		fromStr string
		toStr   string
	)
	err := row.Scan(&idStr, &jobID, &fromStr, &toStr,
		&entry.Timestamp, &entry.Actor, &entry.Message, &entry.RetryAttempt)
	if err != nil {
		return nil, err
	}

	entry.From = job.Status(fromStr)
	entry.To = job.Status(toStr)

	parsedID, parseErr := id.ParseWithPrefix(idStr, id.PrefixLog)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse log id %q: %w", idStr, parseErr)
	}
	entry.ID = parsedID

	parsedJobID, jobErr := id.ParseJobID(jobID)
	if jobErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse log job id %q: %w", jobID, jobErr)
	}
	entry.JobID = parsedJobID

	return &entry, nil
}
