package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veriops/veriops/internal/model"
)

// PlaceholderProject is recorded on runs materialized before their run.start
// arrived, so placeholder runs remain listable.
const PlaceholderProject = "unknown"

// RunStartOutcome reports what UpsertRunStart did, so the ingestion pipeline
// can emit advisory warnings without re-reading the row.
type RunStartOutcome struct {
	Created           bool   // a new row was inserted
	FilledPlaceholder bool   // an existing placeholder was completed in place
	ProjectConflict   string // prior project_id when a duplicate run.start disagreed
	RunbookConflict   string // prior runbook label when a duplicate run.start disagreed
}

// UpsertRunStart creates the run in status running, or updates the mutable
// fields of an existing row. Duplicate delivery is a no-op update; a prior
// placeholder (materialized by a forward-referencing step or run.end event)
// is completed in place. Runs entirely in one transaction.
func (db *DB) UpsertRunStart(ctx context.Context, id uuid.UUID, projectID string, runbook *string, ts time.Time) (RunStartOutcome, error) {
	var out RunStartOutcome

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("storage: begin run.start: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx,
		`INSERT INTO runs (id, project_id, runbook, status, started_at, placeholder)
		 VALUES ($1, $2, $3, 'running', $4, false)
		 ON CONFLICT (id) DO NOTHING`,
		id, projectID, runbook, ts,
	)
	if err != nil {
		return out, fmt.Errorf("storage: insert run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		out.Created = true
		return out, tx.Commit(ctx)
	}

	var (
		prevProject string
		prevRunbook *string
		placeholder bool
	)
	if err := tx.QueryRow(ctx,
		`SELECT project_id, runbook, placeholder FROM runs WHERE id = $1 FOR UPDATE`, id,
	).Scan(&prevProject, &prevRunbook, &placeholder); err != nil {
		return out, fmt.Errorf("storage: lock run: %w", err)
	}

	out.FilledPlaceholder = placeholder
	if !placeholder {
		if prevProject != projectID {
			out.ProjectConflict = prevProject
		}
		if runbook != nil && prevRunbook != nil && *prevRunbook != *runbook {
			out.RunbookConflict = *prevRunbook
		}
	}

	// Placeholder rows carry the timestamp of whatever event materialized
	// them; the real run.start timestamp replaces it. A non-placeholder
	// started_at is never rewound or advanced.
	_, err = tx.Exec(ctx,
		`UPDATE runs
		 SET project_id = $2,
		     runbook = COALESCE($3, runbook),
		     started_at = CASE WHEN placeholder THEN $4 ELSE started_at END,
		     placeholder = false
		 WHERE id = $1`,
		id, projectID, runbook, ts,
	)
	if err != nil {
		return out, fmt.Errorf("storage: update run: %w", err)
	}
	return out, tx.Commit(ctx)
}

// RunEndOutcome reports what ApplyRunEnd did.
type RunEndOutcome struct {
	CreatedPlaceholder bool
}

// ApplyRunEnd finalizes a run: status completed, ended_at set, totals merged
// key-wise (absent keys leave stored values untouched). An unknown run is
// materialized as a placeholder directly in status completed. The status
// transition is forward-only; a duplicate run.end never reverts completion.
func (db *DB) ApplyRunEnd(ctx context.Context, id uuid.UUID, totals model.Totals, ts time.Time) (RunEndOutcome, error) {
	var out RunEndOutcome

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("storage: begin run.end: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO runs (id, project_id, status, started_at, ended_at,
		                   total_tokens, total_cost_usd, status_code, placeholder)
		 VALUES ($1, $2, 'completed', $3, $3,
		         COALESCE($4, 0), COALESCE($5, 0), $6, true)
		 ON CONFLICT (id) DO NOTHING`,
		id, PlaceholderProject, ts, totals.Tokens, totals.CostUSD, totals.StatusCode,
	)
	if err != nil {
		return out, fmt.Errorf("storage: insert completed run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		out.CreatedPlaceholder = true
		return out, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE runs
		 SET status = 'completed',
		     ended_at = COALESCE(ended_at, $2),
		     total_tokens = COALESCE($3, total_tokens),
		     total_cost_usd = COALESCE($4, total_cost_usd),
		     status_code = COALESCE($5, status_code)
		 WHERE id = $1`,
		id, ts, totals.Tokens, totals.CostUSD, totals.StatusCode,
	)
	if err != nil {
		return out, fmt.Errorf("storage: finalize run: %w", err)
	}
	return out, tx.Commit(ctx)
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var run model.Run
	err := db.pool.QueryRow(ctx,
		`SELECT id, project_id, runbook, status, started_at, ended_at,
		        total_tokens, total_cost_usd, status_code, placeholder, created_at
		 FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.ProjectID, &run.Runbook, &run.Status, &run.StartedAt, &run.EndedAt,
		&run.TotalTokens, &run.TotalCostUSD, &run.StatusCode, &run.Placeholder, &run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// RunExists reports whether a run row exists.
func (db *DB) RunExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: run exists: %w", err)
	}
	return exists, nil
}

// ListRuns returns runs ordered newest-first plus the total count. An empty
// projectID lists across all projects.
func (db *DB) ListRuns(ctx context.Context, projectID string, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE ($1 = '' OR project_id = $1)`, projectID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, project_id, runbook, status, started_at, ended_at,
		        total_tokens, total_cost_usd, status_code, placeholder, created_at
		 FROM runs WHERE ($1 = '' OR project_id = $1)
		 ORDER BY started_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		projectID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(
			&r.ID, &r.ProjectID, &r.Runbook, &r.Status, &r.StartedAt, &r.EndedAt,
			&r.TotalTokens, &r.TotalCostUSD, &r.StatusCode, &r.Placeholder, &r.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}
