package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/veriops/veriops/internal/auth"
	"github.com/veriops/veriops/internal/ingest"
	"github.com/veriops/veriops/internal/ratelimit"
	"github.com/veriops/veriops/internal/service/validation"
	"github.com/veriops/veriops/internal/storage"
)

// Server is the VeriOps HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	DB            *storage.DB
	Verifier      *auth.Verifier
	Pipeline      *ingest.Pipeline
	ValidationSvc *validation.Service
	Limiter       ratelimit.Limiter
	Logger        *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxBatchEvents      int
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Pipeline:            cfg.Pipeline,
		ValidationSvc:       cfg.ValidationSvc,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxBatchEvents:      cfg.MaxBatchEvents,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	rl := ratelimit.Middleware(cfg.Limiter, keyIDKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Ingestion.
	mux.Handle("POST /v1/events", rl(http.HandlerFunc(h.HandleIngestEvents)))

	// Runs and validation.
	mux.Handle("GET /v1/runs", rl(http.HandlerFunc(h.HandleListRuns)))
	mux.Handle("GET /v1/runs/{run_id}", rl(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("POST /v1/runs/{run_id}/validate", rl(http.HandlerFunc(h.HandleValidateRun)))
	mux.Handle("GET /v1/runs/{run_id}/validations", rl(http.HandlerFunc(h.HandleListValidations)))

	// Projects.
	mux.Handle("GET /v1/projects", rl(http.HandlerFunc(h.HandleListProjects)))
	mux.Handle("GET /v1/projects/{project_id}/summary", rl(http.HandlerFunc(h.HandleProjectSummary)))

	// Policies.
	mux.Handle("POST /v1/projects/{project_id}/policies", rl(http.HandlerFunc(h.HandleCreatePolicy)))
	mux.Handle("GET /v1/projects/{project_id}/policies", rl(http.HandlerFunc(h.HandleListPolicies)))
	mux.Handle("GET /v1/policies/{policy_id}", rl(http.HandlerFunc(h.HandleGetPolicy)))
	mux.Handle("PUT /v1/policies/{policy_id}", rl(http.HandlerFunc(h.HandleUpdatePolicy)))
	mux.Handle("DELETE /v1/policies/{policy_id}", rl(http.HandlerFunc(h.HandleArchivePolicy)))

	// Health and API docs (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID -> security headers -> tracing -> logging -> auth -> recovery -> handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Verifier, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// keyIDKeyFunc buckets rate limiting by the authenticated API key, falling
// back to client IP for unauthenticated requests.
func keyIDKeyFunc(r *http.Request) string {
	if id := APIKeyIDFromContext(r.Context()); id != uuid.Nil {
		return "key:" + id.String()
	}
	return "ip:" + ratelimit.IPKeyFunc(r)
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers for access to SeedAPIKey etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
