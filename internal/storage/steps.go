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

// StepStartOutcome reports what UpsertStepStart did.
type StepStartOutcome struct {
	Created               bool // a new step row was inserted
	FilledPlaceholder     bool // a placeholder left by step.end was completed
	CreatedRunPlaceholder bool // the referenced run was unknown and got materialized
}

// UpsertStepStart creates the step, or completes a placeholder created by an
// out-of-order step.end. An unknown run is materialized as a running
// placeholder in the same transaction so the step always has a parent.
func (db *DB) UpsertStepStart(ctx context.Context, runID, stepID uuid.UUID, index int, name, tool string, input map[string]any, ts time.Time) (StepStartOutcome, error) {
	var out StepStartOutcome
	if input == nil {
		input = map[string]any{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("storage: begin step.start: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO runs (id, project_id, status, started_at, placeholder)
		 VALUES ($1, $2, 'running', $3, true)
		 ON CONFLICT (id) DO NOTHING`,
		runID, PlaceholderProject, ts,
	)
	if err != nil {
		return out, fmt.Errorf("storage: materialize run for step: %w", err)
	}
	out.CreatedRunPlaceholder = tag.RowsAffected() == 1

	tag, err = tx.Exec(ctx,
		`INSERT INTO steps (id, run_id, index, name, tool, input_json, started_at, placeholder)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false)
		 ON CONFLICT (id) DO NOTHING`,
		stepID, runID, index, name, tool, input, ts,
	)
	if err != nil {
		return out, fmt.Errorf("storage: insert step: %w", err)
	}
	if tag.RowsAffected() == 1 {
		out.Created = true
		return out, tx.Commit(ctx)
	}

	var (
		existingRun *uuid.UUID
		placeholder bool
	)
	if err := tx.QueryRow(ctx,
		`SELECT run_id, placeholder FROM steps WHERE id = $1 FOR UPDATE`, stepID,
	).Scan(&existingRun, &placeholder); err != nil {
		return out, fmt.Errorf("storage: lock step: %w", err)
	}
	if existingRun != nil && *existingRun != runID {
		return out, ErrStepRunMismatch
	}
	out.FilledPlaceholder = placeholder

	// Idempotent retries may resend step.start for a fully formed step: the
	// identifying fields are rewritten with identical values, but a non-empty
	// input payload and an already-set started_at are never clobbered.
	_, err = tx.Exec(ctx,
		`UPDATE steps
		 SET run_id = $2,
		     index = $3,
		     name = $4,
		     tool = $5,
		     input_json = CASE WHEN input_json = '{}'::jsonb THEN $6 ELSE input_json END,
		     started_at = COALESCE(started_at, $7),
		     placeholder = false
		 WHERE id = $1`,
		stepID, runID, index, name, tool, input, ts,
	)
	if err != nil {
		return out, fmt.Errorf("storage: fill step: %w", err)
	}
	return out, tx.Commit(ctx)
}

// StepEndOutcome reports what ApplyStepEnd did.
type StepEndOutcome struct {
	CreatedPlaceholder bool // step.end arrived before step.start
	RunUnknown         bool // the referenced run did not exist; step left detached
}

// ApplyStepEnd merges the terminal fields into the step row. An unknown step
// becomes a placeholder carrying only what this event supplies; if the run is
// also unknown the placeholder stays detached (run_id NULL) until a later
// step.start links it.
func (db *DB) ApplyStepEnd(ctx context.Context, runID, stepID uuid.UUID, output map[string]any, status model.StepStatus, latencyMS, tokens int64, costUSD float64, ts time.Time) (StepEndOutcome, error) {
	var out StepEndOutcome
	if output == nil {
		output = map[string]any{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("storage: begin step.end: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var runExists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, runID,
	).Scan(&runExists); err != nil {
		return out, fmt.Errorf("storage: check run for step.end: %w", err)
	}
	out.RunUnknown = !runExists

	var attachRun *uuid.UUID
	if runExists {
		attachRun = &runID
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO steps (id, run_id, output_json, status, latency_ms, tokens, cost_usd, ended_at, placeholder)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true)
		 ON CONFLICT (id) DO NOTHING`,
		stepID, attachRun, output, status, latencyMS, tokens, costUSD, ts,
	)
	if err != nil {
		return out, fmt.Errorf("storage: insert step placeholder: %w", err)
	}
	if tag.RowsAffected() == 1 {
		out.CreatedPlaceholder = true
		return out, tx.Commit(ctx)
	}

	var existingRun *uuid.UUID
	if err := tx.QueryRow(ctx,
		`SELECT run_id FROM steps WHERE id = $1 FOR UPDATE`, stepID,
	).Scan(&existingRun); err != nil {
		return out, fmt.Errorf("storage: lock step: %w", err)
	}
	if existingRun != nil && *existingRun != runID {
		return out, ErrStepRunMismatch
	}
	if existingRun == nil && runExists {
		if _, err := tx.Exec(ctx,
			`UPDATE steps SET run_id = $2 WHERE id = $1`, stepID, runID,
		); err != nil {
			return out, fmt.Errorf("storage: attach step: %w", err)
		}
	}

	// Retries must not erase prior data with empty payloads, and ended_at is
	// never overwritten once set.
	_, err = tx.Exec(ctx,
		`UPDATE steps
		 SET output_json = CASE WHEN $2::jsonb = '{}'::jsonb THEN output_json ELSE $2 END,
		     status = $3,
		     latency_ms = $4,
		     tokens = $5,
		     cost_usd = $6,
		     ended_at = COALESCE(ended_at, $7)
		 WHERE id = $1`,
		stepID, output, status, latencyMS, tokens, costUSD, ts,
	)
	if err != nil {
		return out, fmt.Errorf("storage: merge step.end: %w", err)
	}
	return out, tx.Commit(ctx)
}

// ListSteps returns a run's steps in deterministic order: real steps by
// ordinal index, then detached-at-birth placeholders, ties broken by
// started_at and id. This is the order the validation engine snapshots.
func (db *DB) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, index, name, tool, input_json, output_json, status,
		        latency_ms, tokens, cost_usd, started_at, ended_at, placeholder, created_at
		 FROM steps WHERE run_id = $1
		 ORDER BY (index < 0) ASC, index ASC, started_at ASC NULLS LAST, id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var s model.Step
		if err := rows.Scan(
			&s.ID, &s.RunID, &s.Index, &s.Name, &s.Tool, &s.Input, &s.Output, &s.Status,
			&s.LatencyMS, &s.Tokens, &s.CostUSD, &s.StartedAt, &s.EndedAt, &s.Placeholder, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// GetStep retrieves a single step by ID.
func (db *DB) GetStep(ctx context.Context, id uuid.UUID) (model.Step, error) {
	var s model.Step
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, index, name, tool, input_json, output_json, status,
		        latency_ms, tokens, cost_usd, started_at, ended_at, placeholder, created_at
		 FROM steps WHERE id = $1`, id,
	).Scan(
		&s.ID, &s.RunID, &s.Index, &s.Name, &s.Tool, &s.Input, &s.Output, &s.Status,
		&s.LatencyMS, &s.Tokens, &s.CostUSD, &s.StartedAt, &s.EndedAt, &s.Placeholder, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Step{}, ErrNotFound
		}
		return model.Step{}, fmt.Errorf("storage: get step: %w", err)
	}
	return s, nil
}
