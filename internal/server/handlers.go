package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/veriops/veriops/internal/auth"
	"github.com/veriops/veriops/internal/ingest"
	"github.com/veriops/veriops/internal/model"
	"github.com/veriops/veriops/internal/service/validation"
	"github.com/veriops/veriops/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	pipeline            *ingest.Pipeline
	validationSvc       *validation.Service
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxBatchEvents      int
	maxRequestBodyBytes int64
	openAPISpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	Pipeline            *ingest.Pipeline
	ValidationSvc       *validation.Service
	Logger              *slog.Logger
	Version             string
	MaxBatchEvents      int
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		pipeline:            d.Pipeline,
		validationSvc:       d.ValidationSvc,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxBatchEvents:      d.MaxBatchEvents,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openAPISpec:         d.OpenAPISpec,
	}
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, healthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// SeedAPIKey ensures a usable API key exists at startup. With a configured
// key it is hashed and stored under the name "bootstrap" if missing; with no
// key and an empty table the server refuses to start rather than come up
// unreachable.
func (h *Handlers) SeedAPIKey(ctx context.Context, apiKey string) error {
	keys, err := h.db.ListActiveAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("seed api key: list keys: %w", err)
	}

	if apiKey == "" {
		if len(keys) == 0 {
			return fmt.Errorf("seed api key: VERIOPS_API_KEY is empty and no keys exist; set VERIOPS_API_KEY to bootstrap access")
		}
		h.logger.Info("no bootstrap api key configured, skipping seed", "existing_keys", len(keys))
		return nil
	}

	if _, err := h.db.GetAPIKeyByName(ctx, "bootstrap"); err == nil {
		h.logger.Info("bootstrap api key already present, skipping seed")
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("seed api key: lookup: %w", err)
	}

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("seed api key: hash: %w", err)
	}
	if _, err := h.db.CreateAPIKey(ctx, "bootstrap", hash); err != nil {
		return fmt.Errorf("seed api key: create: %w", err)
	}

	h.logger.Info("seeded bootstrap api key")
	return nil
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openAPISpec)
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// pagination extracts limit/offset query parameters with bounds applied.
func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// pathUUID parses a UUID path segment, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
