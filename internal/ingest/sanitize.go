package ingest

import "strings"

// MaxStringLen is the longest string value kept in a sanitized payload.
// Longer values are cut and marked; payloads are observability data, not a
// blob store.
const MaxStringLen = 512

// TruncationMarker is appended to every truncated string value.
const TruncationMarker = "...[truncated]"

// credentialKeySubstrings flags payload keys whose values must never be
// stored. Matching is case-insensitive on substrings so variants like
// "X-Api-Token" or "session_cookie" are caught too.
var credentialKeySubstrings = []string{
	"authorization",
	"cookie",
	"token",
	"secret",
	"password",
	"api_key",
	"apikey",
}

// SanitizePayload returns a deep copy of payload with credential-like keys
// dropped entirely and long string values truncated. Nested objects and
// arrays are sanitized recursively. The input map is never mutated.
func SanitizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if isCredentialKey(k) {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return truncate(val)
	case map[string]any:
		return SanitizePayload(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func isCredentialKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sub := range credentialKeySubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// truncate cuts s to MaxStringLen runes and appends the marker. Counting
// runes rather than bytes keeps multi-byte text from being split mid-character.
func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxStringLen {
		return s
	}
	return string(runes[:MaxStringLen]) + TruncationMarker
}
