package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/canopyhq/canopy"
	"github.com/canopyhq/canopy/internal/cli"
)

var (
	checkDB    string
	checkLevel string
	checkAdmin bool
)

var checkCmd = &cobra.Command{
	Use:   "check <user> <file>",
	Short: "Resolve a user's effective level on a file",
	Long: `Resolve the effective permission level a user holds on a file, applying
inheritance from ancestor grants. With --level the command exits non-zero
when the requirement is not met, for use in scripts.`,
	Example: `  # What does user u42 hold on file f7?
  canopy check u42 f7

  # Does u42 hold at least edit? (exit code 3 if not)
  canopy check u42 f7 --level edit

  # Resolve as an admin identity (always edit)
  canopy check u42 f7 --admin`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, file := canopy.UserID(args[0]), canopy.FileID(args[1])

		dsn, err := resolveDSN(checkDB)
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
		checker := canopy.NewChecker(store, mat)

		id := canopy.Identity{UserID: user, Role: canopy.RoleMember}
		if checkAdmin {
			id.Role = canopy.RoleAdmin
		}

		level, err := checker.Check(context.Background(), id, file)
		if err != nil {
			return cli.GeneralError("checking permission", err)
		}

		if !quiet {
			fmt.Printf("%s on %s: %s\n", user, file, level)
		}

		if checkLevel != "" {
			required, err := canopy.ParseLevel(checkLevel)
			if err != nil {
				return cli.ConfigError("invalid --level", err)
			}
			if !level.Satisfies(required) {
				return cli.DeniedError(fmt.Sprintf("%s does not hold %s on %s", user, required, file))
			}
		}
		return nil
	},
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkDB, "db", "", "database URL")
	f.StringVar(&checkLevel, "level", "", "required level (view, comment, edit)")
	f.BoolVar(&checkAdmin, "admin", false, "resolve with the admin bypass")
}
