package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// IngestRequest is the request body for POST /v1/events.
// Events stay untyped here: the normalizer owns per-type shape validation so
// one malformed event is reported per-index instead of failing the decode.
type IngestRequest struct {
	Events []map[string]any `json:"events"`
}

// ValidateRunRequest is the request body for POST /v1/runs/{run_id}/validate.
// Exactly one of RunbookYAML or PolicyID must be supplied.
type ValidateRunRequest struct {
	RunbookYAML string     `json:"runbook_yaml,omitempty"`
	PolicyID    *uuid.UUID `json:"policy_id,omitempty"`
}

// CreatePolicyRequest is the request body for POST /v1/projects/{project_id}/policies.
type CreatePolicyRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	RunbookYAML string  `json:"runbook_yaml"`
}

// UpdatePolicyRequest is the request body for PUT /v1/policies/{policy_id}.
// Nil fields are left unchanged.
type UpdatePolicyRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	RunbookYAML *string `json:"runbook_yaml,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// RunDetail is a run together with its ordered steps.
type RunDetail struct {
	Run
	Steps []Step `json:"steps"`
}
