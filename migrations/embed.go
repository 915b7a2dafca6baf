// Package migrations carries the SQL schema, embedded so the service and the
// migrate tool apply the same files without a MIGRATIONS_DIR on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
