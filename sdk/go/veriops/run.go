package veriops

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run emits the run lifecycle events for one agent run. Create it with
// Client.StartRun and finish with End; steps created in between get
// monotonically increasing indexes.
type Run struct {
	client  *Client
	ID      string
	runbook string

	mu        sync.Mutex
	stepIndex int
	totals    *Totals
}

// StartRun enqueues a run.start event and flushes immediately so the run
// shows up server-side before any steps land.
func (c *Client) StartRun(ctx context.Context, runbook string) (*Run, error) {
	r := &Run{
		client:  c,
		ID:      uuid.New().String(),
		runbook: runbook,
	}
	if _, err := c.Enqueue(ctx, RunStart(r.ID, c.projectID, runbook)); err != nil {
		return nil, err
	}
	if _, err := c.Flush(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// SetTotals records aggregate usage to be sent with run.end.
func (r *Run) SetTotals(totals Totals) {
	r.mu.Lock()
	r.totals = &totals
	r.mu.Unlock()
}

// End enqueues run.end with any recorded totals and flushes the buffer.
// Safe to call from a defer; the run is marked completed even when the
// surrounding work failed.
func (r *Run) End(ctx context.Context) (*FlushReport, error) {
	r.mu.Lock()
	totals := r.totals
	r.mu.Unlock()

	if _, err := r.client.Enqueue(ctx, RunEnd(r.ID, totals)); err != nil {
		return nil, err
	}
	return r.client.Flush(ctx)
}

// Validate runs an inline runbook document against this run.
func (r *Run) Validate(ctx context.Context, runbookYAML string) (*Validation, error) {
	return r.client.ValidateRun(ctx, r.ID, runbookYAML)
}

// Step tracks one step's lifecycle. Obtain with Run.StartStep and finish
// with End, which measures latency from the StartStep call.
type Step struct {
	run   *Run
	ID    string
	index int
	name  string
	tool  string
	began time.Time

	mu      sync.Mutex
	output  map[string]any
	tokens  *int64
	costUSD *float64
	status  string
}

// StartStep enqueues a step.start event and returns the Step handle.
func (r *Run) StartStep(ctx context.Context, name, tool string, input map[string]any) (*Step, error) {
	r.mu.Lock()
	idx := r.stepIndex
	r.stepIndex++
	r.mu.Unlock()

	s := &Step{
		run:    r,
		ID:     uuid.New().String(),
		index:  idx,
		name:   name,
		tool:   tool,
		began:  time.Now(),
		status: "ok",
	}
	if _, err := r.client.Enqueue(ctx, StepStart(r.ID, s.ID, idx, name, tool, input)); err != nil {
		return nil, err
	}
	return s, nil
}

// SetOutput records the step's output payload.
func (s *Step) SetOutput(output map[string]any) {
	s.mu.Lock()
	s.output = output
	s.mu.Unlock()
}

// SetUsage records token and cost usage for the step.
func (s *Step) SetUsage(tokens int64, costUSD float64) {
	s.mu.Lock()
	s.tokens = &tokens
	s.costUSD = &costUSD
	s.mu.Unlock()
}

// End enqueues step.end. A non-nil err marks the step errored and records
// the error text in the output payload.
func (s *Step) End(ctx context.Context, err error) error {
	latencyMS := time.Since(s.began).Milliseconds()
	if latencyMS < 0 {
		latencyMS = 0
	}

	s.mu.Lock()
	output := s.output
	status := s.status
	tokens := s.tokens
	costUSD := s.costUSD
	s.mu.Unlock()

	if output == nil {
		output = map[string]any{}
	}
	if err != nil {
		status = "error"
		if _, ok := output["error"]; !ok {
			output["error"] = err.Error()
		}
	}

	_, enqErr := s.run.client.Enqueue(ctx, StepEnd(s.run.ID, s.ID, output, status, latencyMS, tokens, costUSD))
	return enqErr
}
