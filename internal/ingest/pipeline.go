package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/veriops/veriops/internal/storage"
)

const (
	upsertRetries   = 3
	upsertBaseDelay = 25 * time.Millisecond
)

// EventError records why one event in a batch failed. The batch itself
// still succeeds; failures are reported per-index.
type EventError struct {
	Index  int    `json:"index"`
	Type   string `json:"type,omitempty"`
	Reason string `json:"reason"`
}

// Warning is an advisory note about delivery artifacts the pipeline absorbed:
// out-of-order arrival, duplicate delivery, forward references. Warnings
// never indicate data loss.
type Warning struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Report is the per-batch outcome breakdown returned to the caller.
type Report struct {
	Ingested int          `json:"ingested"`
	Failed   int          `json:"failed"`
	Errors   []EventError `json:"errors"`
	Warnings []Warning    `json:"warnings"`
}

// Pipeline applies batches of raw events against the store. It holds no
// state across calls: every event re-reads current store state inside its
// own transaction, which is what makes concurrent batches safe.
type Pipeline struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates a Pipeline.
func New(db *storage.DB, logger *slog.Logger) *Pipeline {
	return &Pipeline{db: db, logger: logger}
}

// Apply processes events strictly in the given order, each independently
// transactional. A malformed event or a per-event store conflict is recorded
// and the batch continues; only store unavailability aborts. On
// cancellation, already-committed events stay committed and the remainder is
// not applied; the partial Report reflects exactly what was committed.
func (p *Pipeline) Apply(ctx context.Context, events []map[string]any) (Report, error) {
	report := Report{
		Errors:   []EventError{},
		Warnings: []Warning{},
	}

	for i, raw := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		ev, err := Normalize(raw, time.Now())
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, EventError{
				Index:  i,
				Type:   stringField(raw, "type"),
				Reason: err.Error(),
			})
			continue
		}

		warnings, err := p.applyOne(ctx, ev)
		if err != nil {
			if isEventError(err) {
				report.Failed++
				report.Errors = append(report.Errors, EventError{
					Index:  i,
					Type:   string(ev.Type),
					Reason: err.Error(),
				})
				continue
			}
			// Infrastructure failure: everything before this event is
			// committed and stays committed; the rest of the batch is not
			// attempted.
			return report, fmt.Errorf("ingest: apply event %d (%s): %w", i, ev.Type, err)
		}

		report.Ingested++
		for _, msg := range warnings {
			report.Warnings = append(report.Warnings, Warning{
				Index:   i,
				Type:    string(ev.Type),
				Message: msg,
			})
		}
	}

	p.logger.Debug("batch applied",
		"events", len(events),
		"ingested", report.Ingested,
		"failed", report.Failed,
		"warnings", len(report.Warnings))
	return report, nil
}

// applyOne dispatches a single normalized event to its upsert, wrapped in
// the serialization-conflict retry helper, and translates the outcome into
// advisory warnings.
func (p *Pipeline) applyOne(ctx context.Context, ev Event) ([]string, error) {
	var warnings []string

	switch ev.Type {
	case EventRunStart:
		var out storage.RunStartOutcome
		err := storage.WithRetry(ctx, upsertRetries, upsertBaseDelay, func() error {
			var err error
			out, err = p.db.UpsertRunStart(ctx, ev.RunID, ev.ProjectID, ev.Runbook, ev.TS)
			return err
		})
		if err != nil {
			return nil, err
		}
		if !out.Created {
			if out.FilledPlaceholder {
				warnings = append(warnings, "run.start arrived after the run was already materialized by a later event")
			} else {
				warnings = append(warnings, "duplicate run.start ignored as no-op update")
			}
		}
		if out.ProjectConflict != "" {
			warnings = append(warnings, fmt.Sprintf("run.start project_id %q overwrote prior value %q", ev.ProjectID, out.ProjectConflict))
		}
		if out.RunbookConflict != "" {
			warnings = append(warnings, fmt.Sprintf("run.start runbook %q overwrote prior value %q", *ev.Runbook, out.RunbookConflict))
		}

	case EventStepStart:
		var out storage.StepStartOutcome
		err := storage.WithRetry(ctx, upsertRetries, upsertBaseDelay, func() error {
			var err error
			out, err = p.db.UpsertStepStart(ctx, ev.RunID, ev.StepID, ev.Index, ev.Name, ev.Tool, ev.Input, ev.TS)
			return err
		})
		if err != nil {
			return nil, err
		}
		if out.CreatedRunPlaceholder {
			warnings = append(warnings, "step.start referenced an unknown run; placeholder run created")
		}
		if out.FilledPlaceholder {
			warnings = append(warnings, "step.start filled a placeholder created by an earlier step.end")
		}

	case EventStepEnd:
		var out storage.StepEndOutcome
		err := storage.WithRetry(ctx, upsertRetries, upsertBaseDelay, func() error {
			var err error
			out, err = p.db.ApplyStepEnd(ctx, ev.RunID, ev.StepID, ev.Output, ev.Status, ev.LatencyMS, ev.Tokens, ev.CostUSD, ev.TS)
			return err
		})
		if err != nil {
			return nil, err
		}
		if out.CreatedPlaceholder {
			warnings = append(warnings, "step.end observed before step.start; placeholder step created")
		}
		if out.RunUnknown {
			warnings = append(warnings, "step.end referenced an unknown run; step stored detached")
		}

	case EventRunEnd:
		var out storage.RunEndOutcome
		err := storage.WithRetry(ctx, upsertRetries, upsertBaseDelay, func() error {
			var err error
			out, err = p.db.ApplyRunEnd(ctx, ev.RunID, ev.Totals, ev.TS)
			return err
		})
		if err != nil {
			return nil, err
		}
		if out.CreatedPlaceholder {
			warnings = append(warnings, "run.end referenced an unknown run; placeholder run created as completed")
		}
	}

	return warnings, nil
}

// isEventError reports whether err should fail only the single event rather
// than the request. Cross-run step reuse and duplicate (run, index) claims
// are producer bugs scoped to one event; everything else is infrastructure.
func isEventError(err error) bool {
	if errors.Is(err, storage.ErrStepRunMismatch) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23514": // unique_violation, check_violation
			return true
		}
	}
	return false
}

func stringField(raw map[string]any, field string) string {
	s, _ := raw[field].(string)
	return s
}
