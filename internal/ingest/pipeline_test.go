package ingest_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriops/veriops/internal/ingest"
	"github.com/veriops/veriops/internal/model"
	"github.com/veriops/veriops/internal/storage"
	"github.com/veriops/veriops/internal/testutil"
)

var (
	testDB   *storage.DB
	pipeline *ingest.Pipeline
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	defer testDB.Close()

	pipeline = ingest.New(testDB, testutil.TestLogger())
	os.Exit(m.Run())
}

func runStart(runID uuid.UUID, project string) map[string]any {
	return map[string]any{
		"type":       "run.start",
		"run_id":     runID.String(),
		"project_id": project,
	}
}

func stepStart(runID, stepID uuid.UUID, index int, name, tool string) map[string]any {
	return map[string]any{
		"type":    "step.start",
		"run_id":  runID.String(),
		"step_id": stepID.String(),
		"index":   index,
		"name":    name,
		"tool":    tool,
	}
}

func stepEnd(runID, stepID uuid.UUID, tokens int) map[string]any {
	return map[string]any{
		"type":    "step.end",
		"run_id":  runID.String(),
		"step_id": stepID.String(),
		"output":  map[string]any{"result": "ok"},
		"tokens":  tokens,
	}
}

func runEnd(runID uuid.UUID, tokens int) map[string]any {
	return map[string]any{
		"type":   "run.end",
		"run_id": runID.String(),
		"totals": map[string]any{"tokens": tokens},
	}
}

func TestApplyWellOrderedBatch(t *testing.T) {
	ctx := context.Background()
	runID, stepID := uuid.New(), uuid.New()

	report, err := pipeline.Apply(ctx, []map[string]any{
		runStart(runID, "orders"),
		stepStart(runID, stepID, 0, "plan", ""),
		stepEnd(runID, stepID, 40),
		runEnd(runID, 40),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, report.Ingested)
	assert.Zero(t, report.Failed)
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.Warnings)

	run, err := testDB.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, int64(40), run.TotalTokens)
}

func TestApplyReversedBatchConvergesWithWarnings(t *testing.T) {
	ctx := context.Background()
	runID, stepID := uuid.New(), uuid.New()

	report, err := pipeline.Apply(ctx, []map[string]any{
		runEnd(runID, 40),
		stepEnd(runID, stepID, 40),
		stepStart(runID, stepID, 0, "plan", ""),
		runStart(runID, "orders"),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, report.Ingested)
	assert.Zero(t, report.Failed)
	assert.NotEmpty(t, report.Warnings)

	run, err := testDB.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, "orders", run.ProjectID)
	assert.False(t, run.Placeholder)

	steps, err := testDB.ListSteps(ctx, runID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "plan", steps[0].Name)
	assert.Equal(t, int64(40), steps[0].Tokens)
}

func TestApplyDuplicateDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	runID, stepID := uuid.New(), uuid.New()
	batch := []map[string]any{
		runStart(runID, "orders"),
		stepStart(runID, stepID, 0, "plan", ""),
		stepEnd(runID, stepID, 40),
	}

	_, err := pipeline.Apply(ctx, batch)
	require.NoError(t, err)
	report, err := pipeline.Apply(ctx, batch)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Ingested)
	assert.Zero(t, report.Failed)

	steps, err := testDB.ListSteps(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestApplyMalformedEventFailsThatEventOnly(t *testing.T) {
	ctx := context.Background()
	runID := uuid.New()

	report, err := pipeline.Apply(ctx, []map[string]any{
		runStart(runID, "orders"),
		{"type": "run.pause", "run_id": runID.String()},
		{"type": "step.start", "run_id": runID.String()},
		runEnd(runID, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Ingested)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Errors, 2)
	assert.Equal(t, 1, report.Errors[0].Index)
	assert.Equal(t, 2, report.Errors[1].Index)
	assert.Contains(t, report.Errors[1].Reason, "step_id")
}

func TestApplyStepReusedAcrossRunsFailsEvent(t *testing.T) {
	ctx := context.Background()
	runA, runB, stepID := uuid.New(), uuid.New(), uuid.New()

	report, err := pipeline.Apply(ctx, []map[string]any{
		runStart(runA, "orders"),
		runStart(runB, "orders"),
		stepStart(runA, stepID, 0, "plan", ""),
		stepStart(runB, stepID, 0, "plan", ""),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Ingested)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 3, report.Errors[0].Index)
}

func TestApplyDuplicateIndexClaimFailsEvent(t *testing.T) {
	ctx := context.Background()
	runID := uuid.New()

	report, err := pipeline.Apply(ctx, []map[string]any{
		runStart(runID, "orders"),
		stepStart(runID, uuid.New(), 0, "plan", ""),
		stepStart(runID, uuid.New(), 0, "other", ""),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Ingested)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 2, report.Errors[0].Index)
}
