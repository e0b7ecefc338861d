// Package api carries the OpenAPI document describing the HTTP surface,
// embedded so the binary can serve it without shipping extra files.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.1 YAML document.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
