// Package runbook compiles declarative runbook specifications and evaluates
// them against a run's recorded steps. Parsing and evaluation are pure:
// persistence, memoization, and verdict storage live in the validation
// service.
package runbook

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// InvalidRunbookError means the specification document cannot be parsed as
// the expected shape. It is surfaced to the caller as a 4xx-class failure;
// no partial verdict is ever produced from a spec that failed to compile.
type InvalidRunbookError struct {
	Reason string
}

func (e *InvalidRunbookError) Error() string {
	return "invalid runbook: " + e.Reason
}

// RequiredStep is one entry of the ordered required_steps section.
// Tool, when non-empty, additionally constrains the matched step's tool.
type RequiredStep struct {
	Name string `yaml:"name"`
	Tool string `yaml:"tool"`
}

// Budgets holds the optional resource ceilings. Nil means no ceiling.
type Budgets struct {
	MaxTotalTokens  *int64   `yaml:"max_total_tokens"`
	MaxTotalCostUSD *float64 `yaml:"max_total_cost_usd"`
}

// Spec is a compiled runbook. All three sections are optional; an absent
// section makes its check pass trivially.
type Spec struct {
	AllowedTools  []string       `yaml:"allowed_tools"`
	RequiredSteps []RequiredStep `yaml:"required_steps"`
	Budgets       Budgets        `yaml:"budgets"`

	allowed map[string]bool
}

// HasAllowedTools reports whether the allow-list section was present.
// An empty-but-present list forbids every tool; an absent list allows all.
func (s *Spec) HasAllowedTools() bool { return s.AllowedTools != nil }

// ToolAllowed reports whether tool appears in the allow-list.
func (s *Spec) ToolAllowed(tool string) bool { return s.allowed[tool] }

// Parse compiles a runbook document. Shape errors (a scalar where a sequence
// is expected, a malformed budget) return *InvalidRunbookError; unknown keys
// are tolerated for forward compatibility.
func Parse(doc string) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal([]byte(doc), &spec); err != nil {
		return nil, &InvalidRunbookError{Reason: yamlErrString(err)}
	}

	for i, rs := range spec.RequiredSteps {
		if rs.Name == "" {
			return nil, &InvalidRunbookError{Reason: fmt.Sprintf("required_steps[%d]: name is required", i)}
		}
	}
	if spec.Budgets.MaxTotalTokens != nil && *spec.Budgets.MaxTotalTokens < 0 {
		return nil, &InvalidRunbookError{Reason: "budgets.max_total_tokens must be non-negative"}
	}
	if spec.Budgets.MaxTotalCostUSD != nil && *spec.Budgets.MaxTotalCostUSD < 0 {
		return nil, &InvalidRunbookError{Reason: "budgets.max_total_cost_usd must be non-negative"}
	}

	spec.allowed = make(map[string]bool, len(spec.AllowedTools))
	for _, t := range spec.AllowedTools {
		spec.allowed[t] = true
	}
	return &spec, nil
}

// Canonical normalizes a spec document for content hashing: surrounding
// whitespace is insignificant, the body is hashed verbatim.
func Canonical(doc string) string {
	return strings.TrimSpace(doc) + "\n"
}

// yamlErrString flattens yaml.v3's multi-line type errors into one line so
// they read cleanly inside a JSON error envelope.
func yamlErrString(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}
