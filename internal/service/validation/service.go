// Package validation evaluates runbook specifications against recorded runs
// and memoizes the resulting verdicts.
//
// A verdict is a pure function of the spec text and the run state it was
// evaluated against, so the service hashes both and stores at most one
// verdict per (run, input hash). Repeated requests with an unchanged run
// return the stored verdict; concurrent duplicates collapse in-process via
// singleflight and across processes via the table's unique constraint.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/veriops/veriops/internal/model"
	"github.com/veriops/veriops/internal/runbook"
	"github.com/veriops/veriops/internal/storage"
	"github.com/veriops/veriops/internal/telemetry"
)

// Result is a verdict plus provenance: Memoized reports whether the verdict
// was served from a previously stored evaluation.
type Result struct {
	Validation model.Validation
	Memoized   bool
}

// Service coordinates parsing, evaluation, and memoized persistence of
// validation verdicts.
type Service struct {
	db     *storage.DB
	opts   runbook.Options
	logger *slog.Logger

	group singleflight.Group

	evalDuration metric.Float64Histogram
	verdicts     metric.Int64Counter
}

// New creates a validation Service.
func New(db *storage.DB, opts runbook.Options, logger *slog.Logger) *Service {
	meter := telemetry.Meter("veriops/validation")
	evalDur, _ := meter.Float64Histogram("veriops.validation.duration",
		metric.WithDescription("Time to evaluate a runbook against a run (ms)"),
		metric.WithUnit("ms"),
	)
	verdicts, _ := meter.Int64Counter("veriops.validation.verdicts",
		metric.WithDescription("Validation verdicts by status and cache outcome"),
	)
	return &Service{
		db:           db,
		opts:         opts,
		logger:       logger,
		evalDuration: evalDur,
		verdicts:     verdicts,
	}
}

// Validate evaluates the given spec document against a run and returns the
// verdict, serving a stored one when the same spec has already been evaluated
// against the same run state.
//
// policyID records provenance when the spec came from a stored policy; it
// does not affect the verdict or the memoization key.
func (s *Service) Validate(ctx context.Context, runID uuid.UUID, specDoc string, policyID *uuid.UUID) (Result, error) {
	spec, err := runbook.Parse(specDoc)
	if err != nil {
		return Result{}, err
	}

	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	steps, err := s.db.ListSteps(ctx, runID)
	if err != nil {
		return Result{}, err
	}

	hash := runbook.InputHash(specDoc, &run, steps)

	if stored, err := s.db.GetValidationByInputHash(ctx, runID, hash); err == nil {
		s.count(ctx, stored.Status, true)
		return Result{Validation: stored, Memoized: true}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}

	// Concurrent duplicates for the same (run, hash) share one evaluation.
	// The winner's verdict is handed to every waiter unchanged.
	key := runID.String() + ":" + hash
	v, err, shared := s.group.Do(key, func() (any, error) {
		return s.evaluateAndStore(ctx, &run, steps, spec, specDoc, hash, policyID)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	if shared {
		res.Memoized = true
	}
	s.count(ctx, res.Validation.Status, res.Memoized)
	return res, nil
}

// ValidatePolicy resolves a stored policy and validates the run against its
// spec document.
func (s *Service) ValidatePolicy(ctx context.Context, runID, policyID uuid.UUID) (Result, error) {
	policy, err := s.db.GetPolicy(ctx, policyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("policy %s: %w", policyID, storage.ErrNotFound)
		}
		return Result{}, err
	}
	return s.Validate(ctx, runID, policy.RunbookYAML, &policy.ID)
}

func (s *Service) evaluateAndStore(ctx context.Context, run *model.Run, steps []model.Step, spec *runbook.Spec, specDoc, hash string, policyID *uuid.UUID) (Result, error) {
	start := time.Now()
	reasons, summary := runbook.Evaluate(spec, steps, s.opts)
	s.evalDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
		metric.WithAttributes(attribute.Int("steps", len(steps))))

	status := model.ValidationPass
	if len(reasons) > 0 {
		status = model.ValidationFail
	}

	stored, inserted, err := s.db.InsertValidation(ctx, model.Validation{
		ID:          uuid.New(),
		RunID:       run.ID,
		PolicyID:    policyID,
		Status:      status,
		Reasons:     reasons,
		Summary:     summary,
		RunbookYAML: specDoc,
		InputHash:   hash,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		// A concurrent evaluation in another process won the insert race.
		// Its verdict is identical by construction, so return it.
		return Result{Validation: stored, Memoized: true}, nil
	}

	s.logger.Info("validation recorded",
		"run_id", run.ID,
		"status", status,
		"reasons", len(reasons),
		"steps_checked", summary.StepsChecked,
	)
	return Result{Validation: stored, Memoized: false}, nil
}

func (s *Service) count(ctx context.Context, status model.ValidationStatus, memoized bool) {
	s.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.Bool("memoized", memoized),
	))
}
