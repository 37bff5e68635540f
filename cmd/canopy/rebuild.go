package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/canopyhq/canopy"
	"github.com/canopyhq/canopy/internal/cli"
)

var (
	rebuildDB   string
	rebuildUser string
	rebuildFile string
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Force effective-permission materialization",
	Long: `Rebuild the effective-permission table from grants and the file
hierarchy, either for one user or for every user affected by a subtree.
Useful after manual data surgery or a failed background rebuild.`,
	Example: `  # Rebuild one user's rows
  canopy rebuild --user u42

  # Rebuild everyone affected by folder f7
  canopy rebuild --file f7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (rebuildUser == "") == (rebuildFile == "") {
			return cli.ConfigError("exactly one of --user or --file is required", nil)
		}

		dsn, err := resolveDSN(rebuildDB)
		if err != nil {
			return err
		}
		db, err := openDB(dsn)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		store := canopy.NewPGStore(db)
		mat := canopy.NewMaterializer(store, canopy.WithRebuildConcurrency(cfg.Rebuild.Concurrency))
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Rebuild.Timeout)
		defer cancel()

		if rebuildUser != "" {
			if err := mat.RebuildForUser(ctx, canopy.UserID(rebuildUser)); err != nil {
				return cli.GeneralError("rebuilding user", err)
			}
			if !quiet {
				fmt.Printf("Rebuilt effective permissions for %s.\n", rebuildUser)
			}
			return nil
		}

		if err := mat.RebuildForFileHierarchy(ctx, canopy.FileID(rebuildFile)); err != nil {
			return cli.GeneralError("rebuilding hierarchy", err)
		}
		if !quiet {
			fmt.Printf("Rebuilt effective permissions for users affected by %s.\n", rebuildFile)
		}
		return nil
	},
}

func init() {
	f := rebuildCmd.Flags()
	f.StringVar(&rebuildDB, "db", "", "database URL")
	f.StringVar(&rebuildUser, "user", "", "rebuild this user's rows")
	f.StringVar(&rebuildFile, "file", "", "rebuild all users affected by this file's subtree")
}
