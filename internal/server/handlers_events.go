package server

import (
	"errors"
	"net/http"

	"github.com/veriops/veriops/internal/model"
)

// HandleIngestEvents handles POST /v1/events.
//
// The batch is applied event by event; per-event failures land in the
// response breakdown instead of failing the request, so the status is 200
// whenever the store stayed reachable. Only an infrastructure failure mid
// batch turns into a 503, with the partial breakdown discarded.
func (h *Handlers) HandleIngestEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Events) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "events must be a non-empty array")
		return
	}
	if len(req.Events) > h.maxBatchEvents {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "too many events in one batch")
		return
	}

	report, err := h.pipeline.Apply(r.Context(), req.Events)
	if err != nil {
		h.logger.Error("ingest aborted", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event store unavailable")
		return
	}

	status := "ok"
	if report.Failed > 0 {
		status = "partial"
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":   status,
		"ingested": report.Ingested,
		"failed":   report.Failed,
		"errors":   report.Errors,
		"warnings": report.Warnings,
	})
}
