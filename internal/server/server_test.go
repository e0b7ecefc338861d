package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriops/veriops/api"
	"github.com/veriops/veriops/internal/auth"
	"github.com/veriops/veriops/internal/ingest"
	"github.com/veriops/veriops/internal/model"
	"github.com/veriops/veriops/internal/ratelimit"
	"github.com/veriops/veriops/internal/runbook"
	"github.com/veriops/veriops/internal/server"
	"github.com/veriops/veriops/internal/service/validation"
	"github.com/veriops/veriops/internal/storage"
	"github.com/veriops/veriops/internal/testutil"
)

const testAPIKey = "vk_test_0123456789abcdef"

var (
	testDB      *storage.DB
	testHandler http.Handler
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	defer testDB.Close()

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		Verifier:            auth.NewVerifier(testDB, logger),
		Pipeline:            ingest.New(testDB, logger),
		ValidationSvc:       validation.New(testDB, runbook.Options{CountErroredSteps: true}, logger),
		Limiter:             ratelimit.NoopLimiter{},
		Logger:              logger,
		Port:                0,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		Version:             "test",
		MaxBatchEvents:      100,
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         api.OpenAPISpec,
	})
	if err := srv.Handlers().SeedAPIKey(ctx, testAPIKey); err != nil {
		tc.Terminate()
		panic(err)
	}
	testHandler = srv.Handler()

	os.Exit(m.Run())
}

func doRequest(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("x-api-key", testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	testHandler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var envelope struct {
		Error model.ErrorDetail `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error
}

func ingestBatch(t *testing.T, events ...map[string]any) {
	t.Helper()
	rec := doRequest(t, http.MethodPost, "/v1/events", map[string]any{"events": events})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func seedRun(t *testing.T, project string, tokens int) uuid.UUID {
	t.Helper()
	runID, stepID := uuid.New(), uuid.New()
	ingestBatch(t,
		map[string]any{"type": "run.start", "run_id": runID.String(), "project_id": project},
		map[string]any{
			"type": "step.start", "run_id": runID.String(), "step_id": stepID.String(),
			"index": 0, "name": "plan", "tool": "search",
		},
		map[string]any{
			"type": "step.end", "run_id": runID.String(), "step_id": stepID.String(),
			"output": map[string]any{"result": "ok"}, "tokens": tokens,
		},
		map[string]any{
			"type": "run.end", "run_id": runID.String(),
			"totals": map[string]any{"tokens": tokens},
		},
	)
	return runID
}

func TestHealthRequiresNoAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	testHandler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
	}
	decodeData(t, rec, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
}

func TestOpenAPISpecServedUnauthenticated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil)
	rec := httptest.NewRecorder()
	testHandler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi: 3.1.0")
}

func TestMissingAPIKeyRejected(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	rec := httptest.NewRecorder()
	testHandler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, rec).Code)
}

func TestInvalidAPIKeyRejected(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("x-api-key", "wrong")
	rec := httptest.NewRecorder()
	testHandler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestReportsPartialBatch(t *testing.T) {
	runID := uuid.New()
	rec := doRequest(t, http.MethodPost, "/v1/events", map[string]any{
		"events": []map[string]any{
			{"type": "run.start", "run_id": runID.String(), "project_id": "p"},
			{"type": "run.hibernate", "run_id": runID.String()},
		},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var report struct {
		Status   string `json:"status"`
		Ingested int    `json:"ingested"`
		Failed   int    `json:"failed"`
		Errors   []struct {
			Index  int    `json:"index"`
			Reason string `json:"reason"`
		} `json:"errors"`
	}
	decodeData(t, rec, &report)
	assert.Equal(t, "partial", report.Status)
	assert.Equal(t, 1, report.Ingested)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 1, report.Errors[0].Index)
}

func TestIngestRejectsEmptyBatch(t *testing.T) {
	rec := doRequest(t, http.MethodPost, "/v1/events", map[string]any{"events": []map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, rec).Code)
}

func TestGetRunWithSteps(t *testing.T) {
	runID := seedRun(t, "get-run", 40)

	rec := doRequest(t, http.MethodGet, "/v1/runs/"+runID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail model.RunDetail
	decodeData(t, rec, &detail)
	assert.Equal(t, runID, detail.ID)
	assert.Equal(t, model.RunStatusCompleted, detail.Status)
	require.Len(t, detail.Steps, 1)
	assert.Equal(t, "plan", detail.Steps[0].Name)
}

func TestGetRunNotFound(t *testing.T) {
	rec := doRequest(t, http.MethodGet, "/v1/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, http.MethodGet, "/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRunsByProject(t *testing.T) {
	project := "list-" + uuid.NewString()[:8]
	seedRun(t, project, 1)
	seedRun(t, project, 2)

	rec := doRequest(t, http.MethodGet, "/v1/runs?project_id="+project, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data  []model.Run `json:"data"`
		Total int         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, 2, envelope.Total)
	assert.Len(t, envelope.Data, 2)
}

func TestValidateRunFreshThenMemoized(t *testing.T) {
	runID := seedRun(t, "validate", 40)
	body := map[string]any{"runbook_yaml": "budgets:\n  max_total_tokens: 100\n"}

	rec := doRequest(t, http.MethodPost, fmt.Sprintf("/v1/runs/%s/validate", runID), body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var first model.Validation
	decodeData(t, rec, &first)
	assert.Equal(t, model.ValidationPass, first.Status)
	assert.Empty(t, first.Reasons)
	assert.Len(t, first.InputHash, 64)

	// An unchanged run returns the stored verdict with 200.
	rec = doRequest(t, http.MethodPost, fmt.Sprintf("/v1/runs/%s/validate", runID), body)
	require.Equal(t, http.StatusOK, rec.Code)

	var second model.Validation
	decodeData(t, rec, &second)
	assert.Equal(t, first.ID, second.ID)

	// New events change the snapshot, so the next verdict is fresh.
	ingestBatch(t, map[string]any{
		"type": "run.end", "run_id": runID.String(),
		"totals": map[string]any{"tokens": 500},
	})
	rec = doRequest(t, http.MethodPost, fmt.Sprintf("/v1/runs/%s/validate", runID), body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var third model.Validation
	decodeData(t, rec, &third)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestValidateRunFailureReasons(t *testing.T) {
	runID := seedRun(t, "validate-fail", 150)
	body := map[string]any{"runbook_yaml": "allowed_tools: [fetch]\nbudgets:\n  max_total_tokens: 100\n"}

	rec := doRequest(t, http.MethodPost, fmt.Sprintf("/v1/runs/%s/validate", runID), body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var verdict model.Validation
	decodeData(t, rec, &verdict)
	assert.Equal(t, model.ValidationFail, verdict.Status)
	require.Len(t, verdict.Reasons, 2)
	assert.Equal(t, int64(150), verdict.Summary.TokensUsed)
}

func TestValidateRunRequestShapeErrors(t *testing.T) {
	runID := seedRun(t, "validate-shape", 1)
	policyID := uuid.New()

	// Neither field, then both fields.
	rec := doRequest(t, http.MethodPost, fmt.Sprintf("/v1/runs/%s/validate", runID), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, http.MethodPost, fmt.Sprintf("/v1/runs/%s/validate", runID), map[string]any{
		"runbook_yaml": "x: y", "policy_id": policyID.String(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Syntactically broken runbook.
	rec = doRequest(t, http.MethodPost, fmt.Sprintf("/v1/runs/%s/validate", runID), map[string]any{
		"runbook_yaml": "allowed_tools: not-a-list-but-scalar-is-a-shape-error\nrequired_steps: 5\n",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown run and unknown policy.
	rec = doRequest(t, http.MethodPost, fmt.Sprintf("/v1/runs/%s/validate", uuid.New()), map[string]any{
		"runbook_yaml": "allowed_tools: [a]",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, http.MethodPost, fmt.Sprintf("/v1/runs/%s/validate", runID), map[string]any{
		"policy_id": uuid.NewString(),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListValidations(t *testing.T) {
	runID := seedRun(t, "list-validations", 1)
	doRequest(t, http.MethodPost, fmt.Sprintf("/v1/runs/%s/validate", runID),
		map[string]any{"runbook_yaml": "allowed_tools: [search]"})

	rec := doRequest(t, http.MethodGet, fmt.Sprintf("/v1/runs/%s/validations", runID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data  []model.Validation `json:"data"`
		Total int                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, 1, envelope.Total)
}

func TestPolicyLifecycle(t *testing.T) {
	project := "policy-" + uuid.NewString()[:8]
	base := "/v1/projects/" + project + "/policies"

	rec := doRequest(t, http.MethodPost, base, map[string]any{
		"name":         "baseline",
		"runbook_yaml": "allowed_tools: [search]\n",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created model.Policy
	decodeData(t, rec, &created)
	assert.Equal(t, project, created.ProjectID)
	assert.True(t, created.IsActive)

	// Duplicate name conflicts; broken runbook fails compile.
	rec = doRequest(t, http.MethodPost, base, map[string]any{
		"name": "baseline", "runbook_yaml": "x: y\n",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, http.MethodPost, base, map[string]any{
		"name": "broken", "runbook_yaml": "allowed_tools: scalar\n",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Validate a run against the stored policy.
	runID := seedRun(t, project, 5)
	rec = doRequest(t, http.MethodPost, fmt.Sprintf("/v1/runs/%s/validate", runID), map[string]any{
		"policy_id": created.ID.String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var verdict model.Validation
	decodeData(t, rec, &verdict)
	require.NotNil(t, verdict.PolicyID)
	assert.Equal(t, created.ID, *verdict.PolicyID)

	// Update, then archive.
	newYAML := "allowed_tools: [search, fetch]\n"
	rec = doRequest(t, http.MethodPut, "/v1/policies/"+created.ID.String(), map[string]any{
		"runbook_yaml": newYAML,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated model.Policy
	decodeData(t, rec, &updated)
	assert.Equal(t, newYAML, updated.RunbookYAML)

	rec = doRequest(t, http.MethodDelete, "/v1/policies/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Data []model.Policy `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	for _, p := range listed.Data {
		assert.NotEqual(t, created.ID, p.ID)
	}

	rec = doRequest(t, http.MethodGet, base+"?include_archived=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	found := false
	for _, p := range listed.Data {
		if p.ID == created.ID {
			found = true
			assert.False(t, p.IsActive)
		}
	}
	assert.True(t, found)
}

func TestProjectSummaryEndpoint(t *testing.T) {
	project := "summary-" + uuid.NewString()[:8]
	runID := seedRun(t, project, 10)
	doRequest(t, http.MethodPost, fmt.Sprintf("/v1/runs/%s/validate", runID),
		map[string]any{"runbook_yaml": "allowed_tools: [search]"})

	rec := doRequest(t, http.MethodGet, "/v1/projects/"+project+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary model.ProjectSummary
	decodeData(t, rec, &summary)
	assert.Equal(t, project, summary.ProjectID)
	assert.Equal(t, 1, summary.TotalRuns)
	assert.NotNil(t, summary.LatestValidationID)
}
