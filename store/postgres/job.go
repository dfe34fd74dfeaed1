package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

const insertJobSQL = `
	INSERT INTO conveyor_jobs (` + jobColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
	        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`

const insertLogSQL = `
	INSERT INTO conveyor_job_logs (id, job_id, from_status, to_status, timestamp, actor, message, retry_attempt)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// CreateDeduplicated persists a new job and its creation log entry
// atomically unless a duplicate exists. An advisory transaction lock on
// the hash serializes concurrent submissions of the same work, which a
// non-unique index alone cannot.
func (s *Store) CreateDeduplicated(ctx context.Context, j *job.Job, entry *job.LogEntry, window time.Duration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, j.Hash); err != nil {
		return fmt.Errorf("conveyor/postgres: lock hash: %w", err)
	}

	// A duplicate is a non-terminal row with the same hash created inside
	// the window. Terminal rows never block a resubmission.
	if window > 0 {
		var existingID, existingStatus string
		err = tx.QueryRow(ctx, `
			SELECT id, status
			FROM conveyor_jobs
			WHERE job_hash = $1
			  AND created_at >= $2
			  AND status NOT IN ('Completed', 'Canceled', 'Dead Letter')
			ORDER BY created_at DESC
			LIMIT 1`,
			j.Hash, j.CreatedAt.Add(-window),
		).Scan(&existingID, &existingStatus)
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("conveyor/postgres: dedup lookup: %w", err)
		}
		if err == nil {
			return &conveyor.DuplicateError{JobID: existingID, Status: existingStatus}
		}
	}

	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insertJobSQL, args...); err != nil {
		if isDuplicateKey(err) {
			return s.duplicateOf(ctx, j.Hash)
		}
		return fmt.Errorf("conveyor/postgres: insert job: %w", err)
	}

	if entry != nil {
		if err := insertLog(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conveyor/postgres: commit create: %w", err)
	}
	return nil
}

// duplicateOf translates a unique-violation on insert into a
// DuplicateError carrying the current existing row.
func (s *Store) duplicateOf(ctx context.Context, hash string) error {
	var existingID, existingStatus string
	err := s.pool.QueryRow(ctx, `
		SELECT id, status
		FROM conveyor_jobs
		WHERE job_hash = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		hash,
	).Scan(&existingID, &existingStatus)
	if err != nil {
		return conveyor.ErrDuplicateJob
	}
	return &conveyor.DuplicateError{JobID: existingID, Status: existingStatus}
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID id.ID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conveyor_jobs WHERE id = $1`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get job: %w", err)
	}
	return j, nil
}

// GetStatus retrieves only the current status of a job.
func (s *Store) GetStatus(ctx context.Context, jobID id.ID) (job.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM conveyor_jobs WHERE id = $1`,
		jobID.String(),
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return "", conveyor.ErrJobNotFound
		}
		return "", fmt.Errorf("conveyor/postgres: get status: %w", err)
	}
	return job.Status(status), nil
}

const updateJobSQL = `
	UPDATE conveyor_jobs SET
		job_type = $2, tenant = $3, owner = $4, priority = $5, status = $6,
		parameters = $7, job_hash = $8, progress = $9, progress_message = $10,
		retry_count = $11, max_retries = $12, timeout = $13, next_retry_at = $14,
		depends_on = $15, created_at = $16, started_at = $17, completed_at = $18,
		canceled_at = $19, canceled_by = $20, output_reference = $21,
		error_message = $22, error_type = $23, updated_at = $24
	WHERE id = $1`

// Update persists changes to an existing job.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, updateJobSQL, args...)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// AppendLog records a transition log entry.
func (s *Store) AppendLog(ctx context.Context, entry *job.LogEntry) error {
	return insertLog(ctx, s.pool, entry)
}

// execer covers both the pool and a transaction for log inserts.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertLog(ctx context.Context, db execer, entry *job.LogEntry) error {
	_, err := db.Exec(ctx, insertLogSQL,
		entry.ID.String(), entry.JobID.String(), string(entry.From), string(entry.To),
		entry.Timestamp, entry.Actor, entry.Message, entry.RetryAttempt,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: insert log: %w", err)
	}
	return nil
}

// History returns a job's log entries ordered by timestamp ascending.
func (s *Store) History(ctx context.Context, jobID id.ID) ([]*job.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, from_status, to_status, timestamp, actor, message, retry_attempt
		FROM conveyor_job_logs
		WHERE job_id = $1
		ORDER BY timestamp ASC, id ASC`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: history: %w", err)
	}
	defer rows.Close()

	var entries []*job.LogEntry
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan log row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate log rows: %w", err)
	}
	return entries, nil
}

// Delete removes a job; its log entries cascade.
func (s *Store) Delete(ctx context.Context, jobID id.ID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conveyor_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// WithLock loads the job under SELECT FOR UPDATE, applies fn, and
// persists the mutated row plus the returned log entry in the same
// transaction.
func (s *Store) WithLock(ctx context.Context, jobID id.ID, fn func(j *job.Job) (*job.LogEntry, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: begin lock: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conveyor_jobs WHERE id = $1 FOR UPDATE`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return conveyor.ErrJobNotFound
		}
		return fmt.Errorf("conveyor/postgres: lock job: %w", err)
	}

	entry, err := fn(j)
	if err != nil {
		return err
	}

	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, updateJobSQL, args...); err != nil {
		return fmt.Errorf("conveyor/postgres: locked update: %w", err)
	}

	if entry != nil {
		if err := insertLog(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conveyor/postgres: commit lock: %w", err)
	}
	return nil
}

// SetProgress records progress for a Running job. The guard on status
// makes orphan writes from a superseded worker no-ops, and updated_at is
// left alone so progress churn never masks real state changes.
func (s *Store) SetProgress(ctx context.Context, jobID id.ID, percent int, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs
		SET progress = $2, progress_message = $3
		WHERE id = $1 AND status = 'Running'`,
		jobID.String(), percent, message,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: set progress: %w", err)
	}
	return nil
}
