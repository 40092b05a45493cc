package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tokenwatch/price-oracle/internal/models"
)

// RecordJobRun persists a run attempt for a scheduled job. Failed attempts
// advance last_run_at too; consumers needing success-only semantics must
// check the outcome column, not just recency.
func (s *Store) RecordJobRun(ctx context.Context, run models.JobRun) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO scheduled_jobs (name, lane, enabled, last_run_at, outcome)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			lane = EXCLUDED.lane,
			enabled = EXCLUDED.enabled,
			last_run_at = EXCLUDED.last_run_at,
			outcome = EXCLUDED.outcome`,
		run.Name, run.Lane, run.Enabled, run.LastRunAt, run.Outcome)
	if err != nil {
		return fmt.Errorf("failed to record run for job %s: %w", run.Name, err)
	}
	return nil
}

// GetJobRun returns the persisted metadata for one job.
func (s *Store) GetJobRun(ctx context.Context, name string) (models.JobRun, error) {
	row := s.db.QueryRow(ctx, `
		SELECT name, lane, enabled, last_run_at, outcome
		FROM scheduled_jobs
		WHERE name = $1`, name)

	var run models.JobRun
	err := row.Scan(&run.Name, &run.Lane, &run.Enabled, &run.LastRunAt, &run.Outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, ErrNotFound
	}
	if err != nil {
		return models.JobRun{}, fmt.Errorf("failed to load job %s: %w", name, err)
	}
	return run, nil
}

// ListJobRuns returns metadata for all known jobs.
func (s *Store) ListJobRuns(ctx context.Context) ([]models.JobRun, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, lane, enabled, last_run_at, outcome
		FROM scheduled_jobs
		ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()

	var runs []models.JobRun
	for rows.Next() {
		var run models.JobRun
		if err := rows.Scan(&run.Name, &run.Lane, &run.Enabled, &run.LastRunAt, &run.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
