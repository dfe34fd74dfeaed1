package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/breaker"
)

// GetBreaker returns the record for a (type, tenant) pair, or (nil, nil)
// when no record exists.
func (s *Store) GetBreaker(ctx context.Context, jobType, tenant string) (*breaker.Record, error) {
	rec, err := scanBreaker(s.pool.QueryRow(ctx, `
		SELECT job_type, tenant, state, reason, opened_at, cooldown, updated_at
		FROM conveyor_breakers
		WHERE job_type = $1 AND tenant = $2`,
		jobType, tenant,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("conveyor/postgres: get breaker: %w", err)
	}
	return rec, nil
}

// PutBreaker inserts or replaces a record.
func (s *Store) PutBreaker(ctx context.Context, r *breaker.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_breakers (job_type, tenant, state, reason, opened_at, cooldown, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_type, tenant) DO UPDATE SET
			state = EXCLUDED.state,
			reason = EXCLUDED.reason,
			opened_at = EXCLUDED.opened_at,
			cooldown = EXCLUDED.cooldown,
			updated_at = EXCLUDED.updated_at`,
		r.JobType, r.Tenant, string(r.State), r.Reason,
		r.OpenedAt, r.Cooldown.Nanoseconds(), r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: put breaker: %w", err)
	}
	return nil
}

// DeleteBreaker removes a record, closing the circuit. Deleting an
// absent record is not an error.
func (s *Store) DeleteBreaker(ctx context.Context, jobType, tenant string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM conveyor_breakers WHERE job_type = $1 AND tenant = $2`,
		jobType, tenant,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete breaker: %w", err)
	}
	return nil
}

// ListBreakers returns all non-closed records, optionally filtered to
// one tenant.
func (s *Store) ListBreakers(ctx context.Context, tenant string) ([]*breaker.Record, error) {
	query := `
		SELECT job_type, tenant, state, reason, opened_at, cooldown, updated_at
		FROM conveyor_breakers`
	args := []any{}
	if tenant != "" {
		query += ` WHERE tenant = $1`
		args = append(args, tenant)
	}
	query += ` ORDER BY tenant ASC, job_type ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list breakers: %w", err)
	}
	defer rows.Close()

	var recs []*breaker.Record
	for rows.Next() {
		rec, scanErr := scanBreaker(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan breaker row: %w", scanErr)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate breaker rows: %w", err)
	}
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBreaker(row rowScanner) (*breaker.Record, error) {
	var (
		rec        breaker.Record
		state      string
		cooldownNs int64
	)
	err := row.Scan(&rec.JobType, &rec.Tenant, &state, &rec.Reason,
		&rec.OpenedAt, &cooldownNs, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.State = breaker.State(state)
	rec.Cooldown = time.Duration(cooldownNs)
	return &rec, nil
}
