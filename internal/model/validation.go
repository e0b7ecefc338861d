package model

import (
	"time"

	"github.com/google/uuid"
)

// ValidationStatus is the overall verdict of a runbook evaluation.
type ValidationStatus string

const (
	ValidationPass ValidationStatus = "pass"
	ValidationFail ValidationStatus = "fail"
)

// ValidationCheck names one of the independent checks a runbook evaluation runs.
type ValidationCheck string

const (
	CheckAllowedTools  ValidationCheck = "allowed_tools"
	CheckRequiredSteps ValidationCheck = "required_steps"
	CheckBudgets       ValidationCheck = "budgets"
)

// Reason is one structured violation recorded by a validation check.
// Only the fields relevant to the originating check are populated.
type Reason struct {
	Check   ValidationCheck `json:"check"`
	Message string          `json:"message"`

	// allowed_tools and required_steps context.
	StepIndex *int   `json:"step_index,omitempty"`
	StepName  string `json:"step_name,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Required  string `json:"required,omitempty"`

	// budgets context.
	Observed *float64 `json:"observed,omitempty"`
	Allowed  *float64 `json:"allowed,omitempty"`
}

// ValidationSummary captures counters for a verdict regardless of outcome.
type ValidationSummary struct {
	StepsChecked    int     `json:"steps_checked"`
	RequiredTotal   int     `json:"required_total"`
	RequiredMatched int     `json:"required_matched"`
	TokensUsed      int64   `json:"tokens_used"`
	CostUSD         float64 `json:"cost_usd"`

	// Remaining headroom, present only when the spec set a ceiling.
	TokensRemaining  *int64   `json:"tokens_remaining,omitempty"`
	CostRemainingUSD *float64 `json:"cost_remaining_usd,omitempty"`
}

// Validation is the persisted outcome of evaluating one runbook spec against
// one run's state at one point in time. Rows are immutable: a changed run or
// spec produces a new InputHash and therefore a new row.
type Validation struct {
	ID          uuid.UUID         `json:"id"`
	RunID       uuid.UUID         `json:"run_id"`
	PolicyID    *uuid.UUID        `json:"policy_id,omitempty"`
	Status      ValidationStatus  `json:"status"`
	Reasons     []Reason          `json:"reasons"`
	Summary     ValidationSummary `json:"summary"`
	RunbookYAML string            `json:"runbook_yaml"`
	InputHash   string            `json:"input_hash"`
	CreatedAt   time.Time         `json:"created_at"`
}
