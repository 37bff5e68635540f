package canopy

import (
	"context"
	"fmt"

	canopysql "github.com/canopyhq/canopy/sql"
)

// Migrator applies the canopy schema to PostgreSQL. Idempotent: safe to run
// on every application startup.
type Migrator struct {
	db Execer
}

// NewMigrator creates a migrator. The Execer is typically *sql.DB but can be
// *sql.Tx in tests.
func NewMigrator(db Execer) *Migrator {
	return &Migrator{db: db}
}

// Migrate creates the core tables and indexes if they do not exist.
func (m *Migrator) Migrate(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, canopysql.SchemaSQL); err != nil {
		return fmt.Errorf("applying canopy schema: %w", err)
	}
	return nil
}

// MigrationStatus describes the current state of the permission tables.
type MigrationStatus struct {
	TablesExist   bool
	NodeCount     int
	GrantCount    int
	EffectiveRows int
}

// Status reports whether the tables exist and how many rows each holds.
func (m *Migrator) Status(ctx context.Context) (MigrationStatus, error) {
	var s MigrationStatus

	err := m.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM file_nodes),
			(SELECT COUNT(*) FROM permission_grants),
			(SELECT COUNT(*) FROM effective_permissions)`,
	).Scan(&s.NodeCount, &s.GrantCount, &s.EffectiveRows)
	if err != nil {
		if sqlState(err) == pgUndefinedTable {
			return MigrationStatus{TablesExist: false}, nil
		}
		return MigrationStatus{}, fmt.Errorf("reading migration status: %w", err)
	}

	s.TablesExist = true
	return s, nil
}
