// Package sql provides the embedded DDL for the canopy permission tables.
package sql

import (
	_ "embed"
)

// SchemaSQL contains the table and index definitions for file_nodes,
// permission_grants, and effective_permissions. Everything is guarded with
// IF NOT EXISTS, so the migrator can apply it on every startup.
//
// Embedding the SQL at compile time means the binary carries its own schema
// and needs no SQL files on disk at deploy time.
//
//go:embed schema.sql
var SchemaSQL string
