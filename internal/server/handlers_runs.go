package server

import (
	"errors"
	"net/http"

	"github.com/veriops/veriops/internal/model"
	"github.com/veriops/veriops/internal/runbook"
	"github.com/veriops/veriops/internal/service/validation"
	"github.com/veriops/veriops/internal/storage"
)

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	projectID := r.URL.Query().Get("project_id")

	runs, total, err := h.db.ListRuns(r.Context(), projectID, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}
	writeList(w, r, runs, total, limit, offset)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get run")
		return
	}

	steps, err := h.db.ListSteps(r.Context(), runID)
	if err != nil {
		h.logger.Error("list steps failed", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load steps")
		return
	}

	writeJSON(w, r, http.StatusOK, model.RunDetail{Run: run, Steps: steps})
}

// HandleValidateRun handles POST /v1/runs/{run_id}/validate.
//
// The body supplies exactly one of runbook_yaml (inline spec) or policy_id
// (stored spec). The response distinguishes a fresh evaluation (201) from a
// memoized verdict (200).
func (h *Handlers) HandleValidateRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req model.ValidateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if (req.RunbookYAML == "") == (req.PolicyID == nil) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "exactly one of runbook_yaml or policy_id is required")
		return
	}
	if req.RunbookYAML != "" {
		if err := model.ValidateRunbookYAML(req.RunbookYAML); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	var (
		res validation.Result
		err error
	)
	if req.PolicyID != nil {
		res, err = h.validationSvc.ValidatePolicy(r.Context(), runID, *req.PolicyID)
	} else {
		res, err = h.validationSvc.Validate(r.Context(), runID, req.RunbookYAML, nil)
	}
	if err != nil {
		var invalid *runbook.InvalidRunbookError
		switch {
		case errors.As(err, &invalid):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, invalid.Error())
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run or policy not found")
		default:
			h.logger.Error("validation failed", "error", err, "run_id", runID)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "validation failed")
		}
		return
	}

	status := http.StatusCreated
	if res.Memoized {
		status = http.StatusOK
	}
	writeJSON(w, r, status, res.Validation)
}

// HandleListValidations handles GET /v1/runs/{run_id}/validations.
func (h *Handlers) HandleListValidations(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	limit, offset := pagination(r)

	validations, total, err := h.db.ListValidations(r.Context(), runID, limit, offset)
	if err != nil {
		h.logger.Error("list validations failed", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list validations")
		return
	}
	writeList(w, r, validations, total, limit, offset)
}
