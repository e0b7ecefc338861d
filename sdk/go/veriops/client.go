package veriops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the VeriOps server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is sent in the x-api-key header on every request.
	APIKey string

	// ProjectID scopes runs created through this client.
	ProjectID string

	// MaxBatchEvents caps the events sent in one POST /v1/events request.
	// Larger flushes are split into chunks of this size. Defaults to 100.
	MaxBatchEvents int

	// FlushAt auto-flushes the buffer when it reaches this many events.
	// Defaults to 50. Set negative to disable auto-flush.
	FlushAt int

	// MaxRetries is the number of retry attempts for network errors and 5xx
	// responses during flush. Defaults to 5.
	MaxRetries int

	// BackoffBase and BackoffCap bound the jittered exponential backoff
	// between retries. Default 300ms base, 5s cap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 10-second timeout is used.
	HTTPClient *http.Client
}

// Client buffers trace events and flushes them to POST /v1/events.
// All methods are safe for concurrent use.
type Client struct {
	baseURL     string
	apiKey      string
	projectID   string
	maxBatch    int
	flushAt     int
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
	client      *http.Client

	mu     sync.Mutex
	buffer []Event
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("veriops: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("veriops: APIKey is required")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("veriops: ProjectID is required")
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		projectID:   cfg.ProjectID,
		maxBatch:    cfg.MaxBatchEvents,
		flushAt:     cfg.FlushAt,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		client:      cfg.HTTPClient,
	}
	if c.maxBatch <= 0 {
		c.maxBatch = 100
	}
	if c.flushAt == 0 {
		c.flushAt = 50
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 5
	}
	if c.backoffBase <= 0 {
		c.backoffBase = 300 * time.Millisecond
	}
	if c.backoffCap <= 0 {
		c.backoffCap = 5 * time.Second
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 10 * time.Second}
	}
	return c, nil
}

// FlushReport aggregates the server's per-event breakdown across the chunks
// of one flush.
type FlushReport struct {
	OK       bool   `json:"ok"`
	Status   string `json:"status"`
	Ingested int    `json:"ingested"`
	Failed   int    `json:"failed"`
	Errors   []any  `json:"errors"`
	Warnings []any  `json:"warnings"`
}

// Enqueue adds an event to the buffer. When the buffer reaches the FlushAt
// threshold the buffer is flushed and that flush's report is returned;
// otherwise the returned report is nil.
func (c *Client) Enqueue(ctx context.Context, ev Event) (*FlushReport, error) {
	c.mu.Lock()
	c.buffer = append(c.buffer, ev)
	flushNow := c.flushAt > 0 && len(c.buffer) >= c.flushAt
	c.mu.Unlock()

	if flushNow {
		return c.Flush(ctx)
	}
	return nil, nil
}

// Flush drains the buffer and posts it in chunks, retrying each chunk on
// network errors and 5xx responses. Delivery is at-least-once: events taken
// from the buffer are not re-queued on failure, and the server deduplicates
// replays by ID.
func (c *Client) Flush(ctx context.Context) (*FlushReport, error) {
	c.mu.Lock()
	events := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	report := &FlushReport{OK: true, Status: "ok", Errors: []any{}, Warnings: []any{}}
	if len(events) == 0 {
		return report, nil
	}

	for start := 0; start < len(events); start += c.maxBatch {
		end := start + c.maxBatch
		if end > len(events) {
			end = len(events)
		}
		chunk, err := c.postEventsWithRetries(ctx, events[start:end])
		if err != nil {
			report.OK = false
			report.Status = "error"
			report.Failed += len(events) - start
			return report, err
		}
		report.Ingested += chunk.Ingested
		report.Failed += chunk.Failed
		report.Errors = append(report.Errors, chunk.Errors...)
		report.Warnings = append(report.Warnings, chunk.Warnings...)
		if chunk.Status != "ok" {
			report.Status = chunk.Status
			report.OK = false
		}
	}
	return report, nil
}

// ValidateRun calls POST /v1/runs/{run_id}/validate with an inline runbook
// document and returns the verdict.
func (c *Client) ValidateRun(ctx context.Context, runID, runbookYAML string) (*Validation, error) {
	var out Validation
	body := map[string]any{"runbook_yaml": runbookYAML}
	if err := c.post(ctx, "/v1/runs/"+runID+"/validate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateRunPolicy is like ValidateRun but resolves the spec from a stored
// policy by ID.
func (c *Client) ValidateRunPolicy(ctx context.Context, runID, policyID string) (*Validation, error) {
	var out Validation
	body := map[string]any{"policy_id": policyID}
	if err := c.post(ctx, "/v1/runs/"+runID+"/validate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) postEventsWithRetries(ctx context.Context, events []Event) (*FlushReport, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		var out FlushReport
		err := c.post(ctx, "/v1/events", map[string]any{"events": events}, &out)
		if err == nil {
			out.OK = out.Status == "ok"
			return &out, nil
		}

		var apiErr *Error
		// 4xx responses are not retried: the payload will not get better.
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
			return nil, err
		}
		lastErr = err
		if attempt >= c.maxRetries {
			return nil, lastErr
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoffDelay(attempt)):
		}
	}
}

// backoffDelay computes min(cap, base*2^attempt) with +/-20% jitter.
func (c *Client) backoffDelay(attempt int) time.Duration {
	d := c.backoffBase << uint(attempt)
	if d > c.backoffCap || d <= 0 {
		d = c.backoffCap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("veriops: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("veriops: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("veriops: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("veriops: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("veriops: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
