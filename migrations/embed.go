// Package migrations embeds the PostgreSQL schema files applied by
// "vaxtrack migrate up".
package migrations

import "embed"

// Postgres holds the numbered PostgreSQL migrations under postgres/.
//
//go:embed postgres/*.sql
var Postgres embed.FS

// PostgresRoot is the directory within Postgres that holds the files.
const PostgresRoot = "postgres"
