// Package migrations embeds the SQL migration trees for each supported
// store backend, so cmd/migrator ships as a single self-contained binary
// with no dependency on a migrations directory at runtime.
package migrations

import "embed"

//go:embed postgres/*.sql
var Postgres embed.FS

//go:embed mysql/*.sql
var MySQL embed.FS

//go:embed sqlite/*.sql
var SQLite embed.FS
