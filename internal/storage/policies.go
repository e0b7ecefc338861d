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

const policyColumns = `id, project_id, name, description, runbook_yaml, is_active, created_at, updated_at`

// CreatePolicy inserts a new active policy. Names are unique per project;
// a duplicate returns ErrDuplicateName.
func (db *DB) CreatePolicy(ctx context.Context, projectID, name string, description *string, runbookYAML string) (model.Policy, error) {
	now := time.Now().UTC()
	p := model.Policy{
		ID:          uuid.New(),
		ProjectID:   projectID,
		Name:        name,
		Description: description,
		RunbookYAML: runbookYAML,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO policies (id, project_id, name, description, runbook_yaml, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.ProjectID, p.Name, p.Description, p.RunbookYAML, p.IsActive, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Policy{}, ErrDuplicateName
		}
		return model.Policy{}, fmt.Errorf("storage: create policy: %w", err)
	}
	return p, nil
}

// GetPolicy retrieves a policy by ID.
func (db *DB) GetPolicy(ctx context.Context, id uuid.UUID) (model.Policy, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = $1`, id,
	)
	return scanPolicy(row)
}

// ListPolicies returns a project's policies, newest-updated first.
// When activeOnly is true, archived policies are filtered out.
func (db *DB) ListPolicies(ctx context.Context, projectID string, activeOnly bool) ([]model.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE project_id = $1`
	if activeOnly {
		q += ` AND is_active`
	}
	q += ` ORDER BY updated_at DESC, id DESC`

	rows, err := db.pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("storage: list policies: %w", err)
	}
	defer rows.Close()

	var policies []model.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// UpdatePolicy applies a partial update; nil fields are left unchanged.
func (db *DB) UpdatePolicy(ctx context.Context, id uuid.UUID, req model.UpdatePolicyRequest) (model.Policy, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE policies
		 SET name = COALESCE($2, name),
		     description = COALESCE($3, description),
		     runbook_yaml = COALESCE($4, runbook_yaml),
		     is_active = COALESCE($5, is_active),
		     updated_at = now()
		 WHERE id = $1`,
		id, req.Name, req.Description, req.RunbookYAML, req.IsActive,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Policy{}, ErrDuplicateName
		}
		return model.Policy{}, fmt.Errorf("storage: update policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Policy{}, ErrNotFound
	}
	return db.GetPolicy(ctx, id)
}

// ArchivePolicy soft-deletes a policy. Historical validations keep their
// policy_id reference; only new validate requests stop resolving it.
func (db *DB) ArchivePolicy(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE policies SET is_active = false, updated_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: archive policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPolicy(row pgx.Row) (model.Policy, error) {
	var p model.Policy
	err := row.Scan(
		&p.ID, &p.ProjectID, &p.Name, &p.Description, &p.RunbookYAML,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Policy{}, ErrNotFound
		}
		return model.Policy{}, fmt.Errorf("storage: scan policy: %w", err)
	}
	return p, nil
}
