package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/price-pulse/internal/pricewatch"
)

// RunStore tracks sweep lifecycles in the sweep_runs table.
type RunStore struct {
	pool pool
}

// NewRunStoreWithPool constructs a RunStore from an existing pool.
func NewRunStoreWithPool(p pool) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: p}, nil
}

// StartRun inserts a running sweep. Restarting the same id is a no-op.
func (s *RunStore) StartRun(ctx context.Context, id string, startedAt time.Time) error {
	query := `
		INSERT INTO sweep_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, id, startedAt, string(pricewatch.RunRunning)); err != nil {
		return fmt.Errorf("failed to start sweep run: %w", err)
	}
	return nil
}

// CompleteRun stores the terminal status, counters and per-target outcomes of a sweep.
func (s *RunStore) CompleteRun(ctx context.Context, report pricewatch.SweepReport) error {
	outcomes, err := json.Marshal(report.Outcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	query := `
		UPDATE sweep_runs
		SET finished_at = $1, status = $2, succeeded = $3, failed = $4, outcomes = $5
		WHERE id = $6;
	`
	_, err = s.pool.Exec(ctx, query,
		report.FinishedAt,
		string(report.Status),
		report.Succeeded,
		report.Failed,
		outcomes,
		report.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete sweep run: %w", err)
	}
	return nil
}

const runColumns = `id, started_at, finished_at, status, succeeded, failed, outcomes`

// ListRuns returns sweeps newest first, optionally filtered by status.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *pricewatch.RunStatus,
	limit,
	offset int,
) ([]pricewatch.SweepReport, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	query := `
		SELECT ` + runColumns + `
		FROM sweep_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep runs: %w", err)
	}
	defer rows.Close()

	var runs []pricewatch.SweepReport
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sweep runs: %w", err)
	}
	return runs, nil
}

// GetRun loads one sweep by id.
func (s *RunStore) GetRun(ctx context.Context, id string) (pricewatch.SweepReport, error) {
	query := `SELECT ` + runColumns + ` FROM sweep_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return pricewatch.SweepReport{}, pricewatch.ErrRunNotFound
	}
	return run, err
}

func scanRun(row pgx.Row) (pricewatch.SweepReport, error) {
	var (
		run      pricewatch.SweepReport
		finished *time.Time
		status   string
		outcomes []byte
	)
	if err := row.Scan(&run.ID, &run.StartedAt, &finished, &status, &run.Succeeded, &run.Failed, &outcomes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("failed to scan sweep run: %w", err)
	}
	run.Status = pricewatch.RunStatus(status)
	if finished != nil {
		run.FinishedAt = *finished
	}
	if len(outcomes) > 0 {
		if err := json.Unmarshal(outcomes, &run.Outcomes); err != nil {
			return run, fmt.Errorf("decode sweep outcomes: %w", err)
		}
	}
	return run, nil
}
