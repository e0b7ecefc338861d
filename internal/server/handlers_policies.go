package server

import (
	"errors"
	"net/http"

	"github.com/veriops/veriops/internal/model"
	"github.com/veriops/veriops/internal/runbook"
	"github.com/veriops/veriops/internal/storage"
)

// HandleCreatePolicy handles POST /v1/projects/{project_id}/policies.
// The runbook document is compiled up front so a policy that can never
// produce a verdict is rejected at creation time.
func (h *Handlers) HandleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if projectID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "project_id is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req model.CreatePolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if err := model.ValidatePolicyName(req.Name); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateRunbookYAML(req.RunbookYAML); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, err := runbook.Parse(req.RunbookYAML); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	policy, err := h.db.CreatePolicy(r.Context(), projectID, req.Name, req.Description, req.RunbookYAML)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateName) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a policy with this name already exists in the project")
			return
		}
		h.logger.Error("create policy failed", "error", err, "project_id", projectID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create policy")
		return
	}
	writeJSON(w, r, http.StatusCreated, policy)
}

// HandleListPolicies handles GET /v1/projects/{project_id}/policies.
// Archived policies are included only with ?include_archived=true.
func (h *Handlers) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if projectID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "project_id is required")
		return
	}

	activeOnly := r.URL.Query().Get("include_archived") != "true"
	policies, err := h.db.ListPolicies(r.Context(), projectID, activeOnly)
	if err != nil {
		h.logger.Error("list policies failed", "error", err, "project_id", projectID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list policies")
		return
	}
	writeJSON(w, r, http.StatusOK, policies)
}

// HandleGetPolicy handles GET /v1/policies/{policy_id}.
func (h *Handlers) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policyID, ok := pathUUID(w, r, "policy_id")
	if !ok {
		return
	}

	policy, err := h.db.GetPolicy(r.Context(), policyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "policy not found")
			return
		}
		h.logger.Error("get policy failed", "error", err, "policy_id", policyID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get policy")
		return
	}
	writeJSON(w, r, http.StatusOK, policy)
}

// HandleUpdatePolicy handles PUT /v1/policies/{policy_id}. Absent fields are
// left unchanged.
func (h *Handlers) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	policyID, ok := pathUUID(w, r, "policy_id")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req model.UpdatePolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if req.Name != nil {
		if err := model.ValidatePolicyName(*req.Name); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}
	if req.RunbookYAML != nil {
		if err := model.ValidateRunbookYAML(*req.RunbookYAML); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		if _, err := runbook.Parse(*req.RunbookYAML); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	policy, err := h.db.UpdatePolicy(r.Context(), policyID, req)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "policy not found")
		case errors.Is(err, storage.ErrDuplicateName):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a policy with this name already exists in the project")
		default:
			h.logger.Error("update policy failed", "error", err, "policy_id", policyID)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to update policy")
		}
		return
	}
	writeJSON(w, r, http.StatusOK, policy)
}

// HandleArchivePolicy handles DELETE /v1/policies/{policy_id}. Policies are
// archived rather than deleted so stored validations keep their provenance.
func (h *Handlers) HandleArchivePolicy(w http.ResponseWriter, r *http.Request) {
	policyID, ok := pathUUID(w, r, "policy_id")
	if !ok {
		return
	}

	if err := h.db.ArchivePolicy(r.Context(), policyID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "policy not found")
			return
		}
		h.logger.Error("archive policy failed", "error", err, "policy_id", policyID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to archive policy")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "archived"})
}
