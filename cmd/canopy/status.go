package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/canopyhq/canopy"
	"github.com/canopyhq/canopy/internal/cli"
)

var statusDB string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show permission table status",
	Long:  `Show whether the permission tables exist and how many rows each holds.`,
	Example: `  # Check status
  canopy status --db postgres://localhost/workspace`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN(statusDB)
		if err != nil {
			return err
		}
		db, err := openDB(dsn)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		s, err := canopy.NewMigrator(db).Status(context.Background())
		if err != nil {
			return cli.GeneralError("getting status", err)
		}

		if !s.TablesExist {
			fmt.Println("Permission tables: missing")
			fmt.Println("\nRun 'canopy migrate' to create them.")
			return nil
		}

		fmt.Println("Permission tables: present")
		fmt.Printf("File nodes:        %d\n", s.NodeCount)
		fmt.Printf("Grants:            %d\n", s.GrantCount)
		fmt.Printf("Effective rows:    %d\n", s.EffectiveRows)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusDB, "db", "", "database URL")
}
