package veriops

import "time"

// Validation is a verdict returned by POST /v1/runs/{run_id}/validate.
type Validation struct {
	ID          string            `json:"id"`
	RunID       string            `json:"run_id"`
	PolicyID    *string           `json:"policy_id,omitempty"`
	Status      string            `json:"status"` // "pass" or "fail"
	Reasons     []Reason          `json:"reasons"`
	Summary     ValidationSummary `json:"summary"`
	RunbookYAML string            `json:"runbook_yaml"`
	InputHash   string            `json:"input_hash"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Passed reports whether the verdict is a pass.
func (v *Validation) Passed() bool { return v.Status == "pass" }

// Reason is one structured explanation for a failed check.
type Reason struct {
	Check     string   `json:"check"`
	Message   string   `json:"message"`
	StepIndex *int     `json:"step_index,omitempty"`
	StepName  string   `json:"step_name,omitempty"`
	Tool      string   `json:"tool,omitempty"`
	Required  string   `json:"required,omitempty"`
	Observed  *float64 `json:"observed,omitempty"`
	Allowed   *float64 `json:"allowed,omitempty"`
}

// ValidationSummary aggregates what the evaluation observed.
type ValidationSummary struct {
	StepsChecked     int      `json:"steps_checked"`
	RequiredTotal    int      `json:"required_total"`
	RequiredMatched  int      `json:"required_matched"`
	TokensUsed       int64    `json:"tokens_used"`
	CostUSD          float64  `json:"cost_usd"`
	TokensRemaining  *int64   `json:"tokens_remaining,omitempty"`
	CostRemainingUSD *float64 `json:"cost_remaining_usd,omitempty"`
}
