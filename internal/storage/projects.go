package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/veriops/veriops/internal/model"
)

// ListProjects returns the distinct project identifiers seen across all runs.
func (db *DB) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT project_id FROM runs ORDER BY project_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list projects: %w", err)
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("storage: scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ProjectSummary aggregates run activity for one project. Status counts are
// computed over the most recent windowLimit runs so the query stays cheap on
// large projects; total and last_run_at cover the whole project. The three
// aggregates are independent reads, so they run concurrently.
func (db *DB) ProjectSummary(ctx context.Context, projectID string, windowLimit int) (model.ProjectSummary, error) {
	if windowLimit <= 0 {
		windowLimit = 100
	}

	summary := model.ProjectSummary{
		ProjectID:    projectID,
		StatusCounts: map[string]int{},
		WindowLimit:  windowLimit,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return db.pool.QueryRow(gctx,
			`SELECT COUNT(*), MAX(started_at) FROM runs WHERE project_id = $1`,
			projectID,
		).Scan(&summary.TotalRuns, &summary.LastRunAt)
	})

	statusCounts := map[string]int{}
	g.Go(func() error {
		rows, err := db.pool.Query(gctx,
			`SELECT status, COUNT(*) FROM (
			     SELECT status FROM runs
			     WHERE project_id = $1
			     ORDER BY started_at DESC, id DESC
			     LIMIT $2
			 ) recent GROUP BY status`,
			projectID, windowLimit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status string
				count  int
			)
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			statusCounts[status] = count
		}
		return rows.Err()
	})

	var (
		latestID     uuid.UUID
		latestStatus string
		latestAt     time.Time
		hasLatest    bool
	)
	g.Go(func() error {
		err := db.pool.QueryRow(gctx,
			`SELECT v.id, v.status, v.created_at
			 FROM run_validations v
			 JOIN runs r ON r.id = v.run_id
			 WHERE r.project_id = $1
			 ORDER BY r.started_at DESC, v.created_at DESC
			 LIMIT 1`,
			projectID,
		).Scan(&latestID, &latestStatus, &latestAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		hasLatest = err == nil
		return err
	})

	if err := g.Wait(); err != nil {
		return model.ProjectSummary{}, fmt.Errorf("storage: project summary: %w", err)
	}

	summary.StatusCounts = statusCounts
	if hasLatest {
		summary.LatestValidationID = &latestID
		summary.LatestValidationStatus = latestStatus
		summary.LatestValidationAt = &latestAt
	}
	return summary, nil
}
