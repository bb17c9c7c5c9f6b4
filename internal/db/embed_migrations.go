package db

import "embed"

// MigrationFS embeds the SQL migrations for users, identities, sessions, token families,
// rate counters and the audit log.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
