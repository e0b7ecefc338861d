package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriops/veriops/internal/model"
)

// stubLimiter returns a fixed decision and counts calls.
type stubLimiter struct {
	allow bool
	err   error
	calls int
}

func (s *stubLimiter) Allow(context.Context, string) (bool, error) {
	s.calls++
	return s.allow, s.err
}

func (s *stubLimiter) Close() error { return nil }

func keyFixed(key string) KeyFunc {
	return func(*http.Request) string { return key }
}

func doLimited(t *testing.T, limiter Limiter, keyFunc KeyFunc) *httptest.ResponseRecorder {
	t.Helper()
	handler := Middleware(limiter, keyFunc, func(*http.Request) string { return "req-1" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
	)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	return rec
}

func TestMiddlewarePassesAllowedRequests(t *testing.T) {
	lim := &stubLimiter{allow: true}
	rec := doLimited(t, lim, keyFixed("key:abc"))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, lim.calls)
}

func TestMiddlewareRejectsWithRateLimitEnvelope(t *testing.T) {
	rec := doLimited(t, &stubLimiter{allow: false}, keyFixed("key:abc"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)
}

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	lim := &stubLimiter{allow: false, err: errors.New("backend down")}
	rec := doLimited(t, lim, keyFixed("key:abc"))

	assert.Equal(t, http.StatusNoContent, rec.Code, "limiter malfunction must not block traffic")
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	lim := &stubLimiter{allow: false}
	rec := doLimited(t, lim, keyFixed(""))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, lim.calls, "empty key means no limiter consultation")
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	rec := doLimited(t, nil, keyFixed("key:abc"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	r.RemoteAddr = "10.1.2.3:50412"
	assert.Equal(t, "10.1.2.3", IPKeyFunc(r))

	r.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "[::1]", IPKeyFunc(r))

	r.RemoteAddr = "10.1.2.3"
	assert.Equal(t, "10.1.2.3", IPKeyFunc(r))
}
