package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veriops/veriops/internal/model"
)

const validationColumns = `id, run_id, policy_id, status, reasons_json, summary_json,
	runbook_yaml, input_hash, created_at`

// GetValidationByInputHash looks up the memoized verdict for an unchanged
// (spec, run-state) pair. Returns ErrNotFound when no row exists.
func (db *DB) GetValidationByInputHash(ctx context.Context, runID uuid.UUID, inputHash string) (model.Validation, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+validationColumns+` FROM run_validations
		 WHERE run_id = $1 AND input_hash = $2`,
		runID, inputHash,
	)
	return scanValidation(row)
}

// GetValidation retrieves a validation by ID.
func (db *DB) GetValidation(ctx context.Context, id uuid.UUID) (model.Validation, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+validationColumns+` FROM run_validations WHERE id = $1`, id,
	)
	return scanValidation(row)
}

// InsertValidation persists a freshly computed verdict. On a (run_id,
// input_hash) conflict, meaning a concurrent identical request committed
// first, the local result is discarded and the winning row returned instead.
// The bool reports whether this call's row was the one committed.
func (db *DB) InsertValidation(ctx context.Context, v model.Validation) (model.Validation, bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO run_validations
		     (id, run_id, policy_id, status, reasons_json, summary_json, runbook_yaml, input_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (run_id, input_hash) DO NOTHING`,
		v.ID, v.RunID, v.PolicyID, string(v.Status), v.Reasons, v.Summary,
		v.RunbookYAML, v.InputHash, v.CreatedAt,
	)
	if err != nil {
		return model.Validation{}, false, fmt.Errorf("storage: insert validation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return v, true, nil
	}

	winner, err := db.GetValidationByInputHash(ctx, v.RunID, v.InputHash)
	if err != nil {
		return model.Validation{}, false, fmt.Errorf("storage: fetch winning validation: %w", err)
	}
	return winner, false, nil
}

// ListValidations returns a run's validations newest-first, plus the total count.
func (db *DB) ListValidations(ctx context.Context, runID uuid.UUID, limit, offset int) ([]model.Validation, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM run_validations WHERE run_id = $1`, runID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count validations: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+validationColumns+` FROM run_validations
		 WHERE run_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		runID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list validations: %w", err)
	}
	defer rows.Close()

	var vals []model.Validation
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, 0, err
		}
		vals = append(vals, v)
	}
	return vals, total, rows.Err()
}

func scanValidation(row pgx.Row) (model.Validation, error) {
	var v model.Validation
	err := row.Scan(
		&v.ID, &v.RunID, &v.PolicyID, &v.Status, &v.Reasons, &v.Summary,
		&v.RunbookYAML, &v.InputHash, &v.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Validation{}, ErrNotFound
		}
		return model.Validation{}, fmt.Errorf("storage: scan validation: %w", err)
	}
	if v.Reasons == nil {
		v.Reasons = []model.Reason{}
	}
	return v, nil
}
