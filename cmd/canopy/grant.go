package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/canopyhq/canopy"
	"github.com/canopyhq/canopy/internal/cli"
)

var (
	grantDB  string
	revokeDB string
)

var grantCmd = &cobra.Command{
	Use:   "grant <file> <user> <level>",
	Short: "Grant a permission level on a file",
	Long: `Upsert a direct grant and rebuild the user's effective permissions.
The rebuild runs synchronously so the table is consistent when the command
returns.`,
	Example: `  # Give u42 edit on folder f7 (and everything under it)
  canopy grant f7 u42 edit`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, user := canopy.FileID(args[0]), canopy.UserID(args[1])
		level, err := canopy.ParseLevel(args[2])
		if err != nil {
			return cli.ConfigError("invalid level", err)
		}

		coord, closeDB, err := openCoordinator(grantDB)
		if err != nil {
			return err
		}
		defer closeDB()

		g, err := coord.SetGrant(context.Background(), file, user, level)
		if err != nil {
			return cli.GeneralError("setting grant", err)
		}
		if !quiet {
			fmt.Printf("Granted %s to %s on %s.\n", g.Level, g.UserID, g.FileID)
		}
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <file> <user>",
	Short: "Revoke a permission grant",
	Long: `Remove a direct grant and rebuild the user's effective permissions.
Revoking an absent grant is not an error.`,
	Example: `  # Remove u42's grant on f7
  canopy revoke f7 u42`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, user := canopy.FileID(args[0]), canopy.UserID(args[1])

		coord, closeDB, err := openCoordinator(revokeDB)
		if err != nil {
			return err
		}
		defer closeDB()

		if err := coord.RemoveGrant(context.Background(), file, user); err != nil {
			return cli.GeneralError("removing grant", err)
		}
		if !quiet {
			fmt.Printf("Revoked %s's grant on %s.\n", user, file)
		}
		return nil
	},
}

// openCoordinator wires a store, materializer, and synchronous coordinator
// over a fresh connection. One-shot commands have no process lifetime to
// defer background rebuilds into.
func openCoordinator(flagDSN string) (*canopy.Coordinator, func(), error) {
	dsn, err := resolveDSN(flagDSN)
	if err != nil {
		return nil, nil, err
	}
	db, err := openDB(dsn)
	if err != nil {
		return nil, nil, err
	}

	store := canopy.NewPGStore(db)
	mat := canopy.NewMaterializer(store, canopy.WithRebuildConcurrency(cfg.Rebuild.Concurrency))
	coord := canopy.NewCoordinator(store, mat,
		canopy.WithSyncRebuilds(),
		canopy.WithRebuildTimeout(cfg.Rebuild.Timeout),
	)
	return coord, func() { _ = db.Close() }, nil
}

func init() {
	grantCmd.Flags().StringVar(&grantDB, "db", "", "database URL")
	revokeCmd.Flags().StringVar(&revokeDB, "db", "", "database URL")
}
