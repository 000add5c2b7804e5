package store

import "embed"

// MigrationFS embeds the SQL migrations applied at Open.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
