package model

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus represents the terminal state of a step. A nil status means
// the step has started but its step.end has not been observed yet.
type StepStatus string

const (
	StepStatusOK    StepStatus = "ok"
	StepStatusError StepStatus = "error"
)

// Step is one tool invocation inside a run.
//
// RunID is nullable: a step.end arriving before anything else is known about
// its run is stored detached and attached once the run materializes. The
// (RunID, Index) pair is unique only while RunID is set and Index is
// non-negative; detached placeholders carry Index=-1.
type Step struct {
	ID          uuid.UUID      `json:"id"`
	RunID       *uuid.UUID     `json:"run_id,omitempty"`
	Index       int            `json:"index"`
	Name        string         `json:"name"`
	Tool        string         `json:"tool"`
	Input       map[string]any `json:"input_json"`
	Output      map[string]any `json:"output_json"`
	Status      *StepStatus    `json:"status,omitempty"`
	LatencyMS   int64          `json:"latency_ms"`
	Tokens      int64          `json:"tokens"`
	CostUSD     float64        `json:"cost_usd"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Placeholder bool           `json:"placeholder"`
	CreatedAt   time.Time      `json:"created_at"`
}
