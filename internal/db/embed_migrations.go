package db

import "embed"

// MigrationFS holds the schema for users, roles, sessions, MFA state and audit events.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
