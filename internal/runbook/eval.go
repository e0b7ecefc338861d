package runbook

import (
	"fmt"

	"github.com/veriops/veriops/internal/model"
)

// Options tunes evaluation behavior.
type Options struct {
	// CountErroredSteps includes steps whose status is "error" in the
	// budget totals. When false only successful steps consume budget.
	CountErroredSteps bool
}

// Evaluate runs every check against the recorded steps and returns the
// accumulated reasons plus a summary. Checks never short-circuit: a run that
// violates the allow-list is still measured against budgets so the caller
// sees the complete picture in one verdict. An empty reasons slice means the
// run passed.
func Evaluate(spec *Spec, steps []model.Step, opts Options) ([]model.Reason, model.ValidationSummary) {
	reasons := []model.Reason{}

	reasons = append(reasons, checkAllowedTools(spec, steps)...)

	matched, requiredReasons := checkRequiredSteps(spec, steps)
	reasons = append(reasons, requiredReasons...)

	tokens, cost := sumUsage(steps, opts)
	budgetReasons, tokensLeft, costLeft := checkBudgets(spec, tokens, cost)
	reasons = append(reasons, budgetReasons...)

	summary := model.ValidationSummary{
		StepsChecked:     len(steps),
		RequiredTotal:    len(spec.RequiredSteps),
		RequiredMatched:  matched,
		TokensUsed:       tokens,
		CostUSD:          cost,
		TokensRemaining:  tokensLeft,
		CostRemainingUSD: costLeft,
	}
	return reasons, summary
}

// checkAllowedTools flags every step whose tool falls outside the allow-list.
// Steps that invoked no tool are exempt, and an absent section allows all.
func checkAllowedTools(spec *Spec, steps []model.Step) []model.Reason {
	if !spec.HasAllowedTools() {
		return nil
	}
	var reasons []model.Reason
	for i := range steps {
		st := &steps[i]
		if st.Tool == "" || spec.ToolAllowed(st.Tool) {
			continue
		}
		idx := st.Index
		reasons = append(reasons, model.Reason{
			Check:     model.CheckAllowedTools,
			Message:   fmt.Sprintf("step %q used tool %q which is not in allowed_tools", st.Name, st.Tool),
			StepIndex: &idx,
			StepName:  st.Name,
			Tool:      st.Tool,
		})
	}
	return reasons
}

// checkRequiredSteps verifies that required_steps occur as an ordered
// subsequence of the run's steps. The scan is greedy: each required entry
// consumes the earliest unconsumed step that matches it, which is optimal
// for subsequence containment. Matching is by name, plus tool when the
// entry pins one.
func checkRequiredSteps(spec *Spec, steps []model.Step) (int, []model.Reason) {
	matched := 0
	cursor := 0
	var reasons []model.Reason
	for _, req := range spec.RequiredSteps {
		found := false
		for ; cursor < len(steps); cursor++ {
			st := &steps[cursor]
			if st.Name != req.Name {
				continue
			}
			if req.Tool != "" && st.Tool != req.Tool {
				continue
			}
			found = true
			cursor++
			break
		}
		if found {
			matched++
			continue
		}
		msg := fmt.Sprintf("required step %q not found in order", req.Name)
		if req.Tool != "" {
			msg = fmt.Sprintf("required step %q (tool %q) not found in order", req.Name, req.Tool)
		}
		reasons = append(reasons, model.Reason{
			Check:    model.CheckRequiredSteps,
			Message:  msg,
			Required: req.Name,
			Tool:     req.Tool,
		})
		// Keep scanning subsequent requirements from the same cursor so a
		// single missing entry does not cascade into failures for entries
		// that do appear later.
	}
	return matched, reasons
}

func sumUsage(steps []model.Step, opts Options) (int64, float64) {
	var tokens int64
	var cost float64
	for i := range steps {
		st := &steps[i]
		if !opts.CountErroredSteps && st.Status != nil && *st.Status == model.StepStatusError {
			continue
		}
		tokens += st.Tokens
		cost += st.CostUSD
	}
	return tokens, cost
}

func checkBudgets(spec *Spec, tokens int64, cost float64) ([]model.Reason, *int64, *float64) {
	var reasons []model.Reason
	var tokensLeft *int64
	var costLeft *float64

	if max := spec.Budgets.MaxTotalTokens; max != nil {
		left := *max - tokens
		tokensLeft = &left
		if tokens > *max {
			observed := float64(tokens)
			allowed := float64(*max)
			reasons = append(reasons, model.Reason{
				Check:    model.CheckBudgets,
				Message:  fmt.Sprintf("total tokens %d exceeds budget %d", tokens, *max),
				Observed: &observed,
				Allowed:  &allowed,
			})
		}
	}
	if max := spec.Budgets.MaxTotalCostUSD; max != nil {
		left := *max - cost
		costLeft = &left
		if cost > *max {
			observed := cost
			allowed := *max
			reasons = append(reasons, model.Reason{
				Check:    model.CheckBudgets,
				Message:  fmt.Sprintf("total cost %.4f exceeds budget %.4f", cost, *max),
				Observed: &observed,
				Allowed:  &allowed,
			})
		}
	}
	return reasons, tokensLeft, costLeft
}
