package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/canopyhq/canopy"
	"github.com/canopyhq/canopy/internal/cli"
)

var migrateDB string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create permission tables in the database",
	Long:  `Create the file_nodes, permission_grants, and effective_permissions tables. Idempotent.`,
	Example: `  # Apply schema to database
  canopy migrate --db postgres://localhost/workspace`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN(migrateDB)
		if err != nil {
			return err
		}

		db, err := openDB(dsn)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		ctx := context.Background()
		if err := canopy.NewMigrator(db).Migrate(ctx); err != nil {
			return cli.GeneralError("migrating", err)
		}

		if !quiet {
			fmt.Println("Permission schema applied successfully.")
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDB, "db", "", "database URL")
}
