// Package ingest implements the event ingestion pipeline: normalization of
// raw SDK events and their order-tolerant, idempotent application against
// the store.
package ingest

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veriops/veriops/internal/model"
)

// EventType is the discriminator tag carried by every event.
type EventType string

const (
	EventRunStart  EventType = "run.start"
	EventRunEnd    EventType = "run.end"
	EventStepStart EventType = "step.start"
	EventStepEnd   EventType = "step.end"
)

// Event is one normalized, sanitized ingestion event. Only the fields for
// its type are populated.
type Event struct {
	Type  EventType
	RunID uuid.UUID
	TS    time.Time

	// run.start
	ProjectID string
	Runbook   *string

	// run.end
	Totals model.Totals

	// step.start / step.end
	StepID    uuid.UUID
	Index     int
	Name      string
	Tool      string
	Input     map[string]any
	Output    map[string]any
	Status    model.StepStatus
	LatencyMS int64
	Tokens    int64
	CostUSD   float64
}

// MalformedEventError describes why one event in a batch is unusable.
// It is a per-event outcome, not a batch failure: the pipeline records it
// under the event's index and keeps going.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func malformed(field, reason string) *MalformedEventError {
	return &MalformedEventError{Field: field, Reason: reason}
}

// Normalize validates one raw event against its declared type's required
// fields and canonicalizes it into a typed Event. Payloads are sanitized
// (credential-like keys dropped, long strings truncated). A missing ts
// defaults to now; producers normally fill it client-side.
func Normalize(raw map[string]any, now time.Time) (Event, error) {
	var ev Event

	typeTag, ok := raw["type"].(string)
	if !ok || typeTag == "" {
		return ev, malformed("type", "missing or not a string")
	}
	ev.Type = EventType(typeTag)

	switch ev.Type {
	case EventRunStart, EventRunEnd, EventStepStart, EventStepEnd:
	default:
		return ev, malformed("type", fmt.Sprintf("unknown event type %q", typeTag))
	}

	runID, err := requireUUID(raw, "run_id")
	if err != nil {
		return ev, err
	}
	ev.RunID = runID

	ev.TS = now.UTC()
	if tsRaw, ok := raw["ts"]; ok {
		tsStr, ok := tsRaw.(string)
		if !ok {
			return ev, malformed("ts", "not a string")
		}
		ts, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return ev, malformed("ts", "not an RFC3339 timestamp")
		}
		ev.TS = ts.UTC()
	}

	switch ev.Type {
	case EventRunStart:
		if ev.ProjectID, err = requireString(raw, "project_id"); err != nil {
			return ev, err
		}
		if rb, ok := raw["runbook"].(string); ok && rb != "" {
			ev.Runbook = &rb
		}

	case EventRunEnd:
		totals, ok := raw["totals"].(map[string]any)
		if !ok {
			return ev, malformed("totals", "missing or not an object")
		}
		if v, ok := totals["tokens"]; ok {
			n, err := asInt64("totals.tokens", v)
			if err != nil {
				return ev, err
			}
			ev.Totals.Tokens = &n
		}
		if v, ok := totals["cost_usd"]; ok {
			c, err := asFloat("totals.cost_usd", v)
			if err != nil {
				return ev, err
			}
			ev.Totals.CostUSD = &c
		}
		if v, ok := totals["status_code"]; ok {
			n, err := asInt64("totals.status_code", v)
			if err != nil {
				return ev, err
			}
			code := int(n)
			ev.Totals.StatusCode = &code
		}

	case EventStepStart:
		if ev.StepID, err = requireUUID(raw, "step_id"); err != nil {
			return ev, err
		}
		idx, err := requireInt(raw, "index")
		if err != nil {
			return ev, err
		}
		if idx < 0 {
			return ev, malformed("index", "must be non-negative")
		}
		ev.Index = idx
		if ev.Name, err = requireString(raw, "name"); err != nil {
			return ev, err
		}
		ev.Tool, _ = raw["tool"].(string)
		if input, ok := raw["input"].(map[string]any); ok {
			ev.Input = SanitizePayload(input)
		} else {
			ev.Input = map[string]any{}
		}

	case EventStepEnd:
		if ev.StepID, err = requireUUID(raw, "step_id"); err != nil {
			return ev, err
		}
		output, ok := raw["output"].(map[string]any)
		if !ok {
			return ev, malformed("output", "missing or not an object")
		}
		ev.Output = SanitizePayload(output)

		ev.Status = model.StepStatusOK
		if s, ok := raw["status"].(string); ok && s != "" {
			switch model.StepStatus(s) {
			case model.StepStatusOK, model.StepStatusError:
				ev.Status = model.StepStatus(s)
			default:
				return ev, malformed("status", fmt.Sprintf("must be %q or %q", model.StepStatusOK, model.StepStatusError))
			}
		}
		if ev.LatencyMS, err = optionalNonNegInt64(raw, "latency_ms"); err != nil {
			return ev, err
		}
		if ev.Tokens, err = optionalNonNegInt64(raw, "tokens"); err != nil {
			return ev, err
		}
		if v, ok := raw["cost_usd"]; ok {
			c, err := asFloat("cost_usd", v)
			if err != nil {
				return ev, err
			}
			if c < 0 {
				return ev, malformed("cost_usd", "must be non-negative")
			}
			ev.CostUSD = c
		}
	}

	return ev, nil
}

func requireString(raw map[string]any, field string) (string, error) {
	v, ok := raw[field].(string)
	if !ok || v == "" {
		return "", malformed(field, "missing or not a string")
	}
	return v, nil
}

func requireUUID(raw map[string]any, field string) (uuid.UUID, error) {
	s, err := requireString(raw, field)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, malformed(field, "not a valid UUID")
	}
	return id, nil
}

func requireInt(raw map[string]any, field string) (int, error) {
	v, ok := raw[field]
	if !ok {
		return 0, malformed(field, "missing")
	}
	n, err := asInt64(field, v)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func optionalNonNegInt64(raw map[string]any, field string) (int64, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return 0, nil
	}
	n, err := asInt64(field, v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, malformed(field, "must be non-negative")
	}
	return n, nil
}

// asInt64 accepts the numeric shapes encoding/json produces (float64 for
// plain Decode, json.Number when configured) plus native ints from tests.
func asInt64(field string, v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, malformed(field, "must be an integer")
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, malformed(field, "not a number")
	}
}

func asFloat(field string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, malformed(field, "not a number")
	}
}
