// Package migrations embeds the SQL schema migration files so the runner
// works regardless of the process working directory.
package migrations

import "embed"

// FS holds every .sql migration in this directory, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
