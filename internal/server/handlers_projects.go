package server

import (
	"net/http"
	"strconv"

	"github.com/veriops/veriops/internal/model"
)

// HandleListProjects handles GET /v1/projects.
func (h *Handlers) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.db.ListProjects(r.Context())
	if err != nil {
		h.logger.Error("list projects failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list projects")
		return
	}
	writeJSON(w, r, http.StatusOK, projects)
}

// HandleProjectSummary handles GET /v1/projects/{project_id}/summary.
// The recent-window size is tunable with ?window= (default 100).
func (h *Handlers) HandleProjectSummary(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if projectID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "project_id is required")
		return
	}

	window := 100
	if v := r.URL.Query().Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "window must be between 1 and 1000")
			return
		}
		window = n
	}

	summary, err := h.db.ProjectSummary(r.Context(), projectID, window)
	if err != nil {
		h.logger.Error("project summary failed", "error", err, "project_id", projectID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to build project summary")
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}
