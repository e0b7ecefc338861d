package veriops

import "time"

// Event is one wire-format trace event for POST /v1/events. Events stay
// untyped maps so callers can attach extra fields the server will ignore.
type Event map[string]any

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// RunStart builds a run.start event.
func RunStart(runID, projectID, runbook string) Event {
	return Event{
		"type":       "run.start",
		"run_id":     runID,
		"project_id": projectID,
		"runbook":    runbook,
		"ts":         nowISO(),
	}
}

// Totals carries aggregate run usage for run.end.
type Totals struct {
	Tokens     *int64   `json:"tokens,omitempty"`
	CostUSD    *float64 `json:"cost_usd,omitempty"`
	StatusCode *int     `json:"status_code,omitempty"`
}

// RunEnd builds a run.end event. A nil totals omits the totals object.
func RunEnd(runID string, totals *Totals) Event {
	e := Event{
		"type":   "run.end",
		"run_id": runID,
		"ts":     nowISO(),
	}
	if totals != nil {
		t := map[string]any{}
		if totals.Tokens != nil {
			t["tokens"] = *totals.Tokens
		}
		if totals.CostUSD != nil {
			t["cost_usd"] = *totals.CostUSD
		}
		if totals.StatusCode != nil {
			t["status_code"] = *totals.StatusCode
		}
		e["totals"] = t
	}
	return e
}

// StepStart builds a step.start event.
func StepStart(runID, stepID string, index int, name, tool string, input map[string]any) Event {
	if input == nil {
		input = map[string]any{}
	}
	return Event{
		"type":    "step.start",
		"run_id":  runID,
		"step_id": stepID,
		"index":   index,
		"name":    name,
		"tool":    tool,
		"input":   input,
		"ts":      nowISO(),
	}
}

// StepEnd builds a step.end event. Status must be "ok" or "error".
func StepEnd(runID, stepID string, output map[string]any, status string, latencyMS int64, tokens *int64, costUSD *float64) Event {
	if output == nil {
		output = map[string]any{}
	}
	e := Event{
		"type":       "step.end",
		"run_id":     runID,
		"step_id":    stepID,
		"output":     output,
		"status":     status,
		"latency_ms": latencyMS,
		"ts":         nowISO(),
	}
	if tokens != nil {
		e["tokens"] = *tokens
	}
	if costUSD != nil {
		e["cost_usd"] = *costUSD
	}
	return e
}
