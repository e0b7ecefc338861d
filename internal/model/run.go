// Package model defines the core domain types for VeriOps.
//
// All types correspond directly to database tables and event payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an agent run.
// Transitions are forward-only, from running to completed.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
)

// Run is one end-to-end execution of an agent workflow.
//
// The ID is supplied by the emitting SDK, not generated server-side, so
// retried and out-of-order deliveries converge on the same row. A run may
// exist as a placeholder (Placeholder=true) when the first event observed
// for it was not run.start.
type Run struct {
	ID           uuid.UUID  `json:"id"`
	ProjectID    string     `json:"project_id"`
	Runbook      *string    `json:"runbook,omitempty"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	TotalTokens  int64      `json:"total_tokens"`
	TotalCostUSD float64    `json:"total_cost_usd"`
	StatusCode   *int       `json:"status_code,omitempty"`
	Placeholder  bool       `json:"placeholder"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Totals carries the run-level counters reported by run.end.
// All fields are optional: absent keys leave the stored value untouched.
type Totals struct {
	Tokens     *int64   `json:"tokens,omitempty"`
	CostUSD    *float64 `json:"cost_usd,omitempty"`
	StatusCode *int     `json:"status_code,omitempty"`
}

// ProjectSummary aggregates a project's recent run activity for dashboards.
type ProjectSummary struct {
	ProjectID              string         `json:"project_id"`
	TotalRuns              int            `json:"total_runs"`
	LastRunAt              *time.Time     `json:"last_run_at,omitempty"`
	StatusCounts           map[string]int `json:"status_counts"`
	LatestValidationID     *uuid.UUID     `json:"latest_validation_id,omitempty"`
	LatestValidationStatus string         `json:"latest_validation_status,omitempty"`
	LatestValidationAt     *time.Time     `json:"latest_validation_at,omitempty"`
	WindowLimit            int            `json:"window_limit"`
}
