package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ledgermatch/internal/infrastructure/postgres"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := postgres.MigrateUp(e.db); err != nil {
				return err
			}
			return printVersion(e.db)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Long: `Roll back migrations.

Examples:
  admin migrate down --steps=1
  admin migrate down --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if steps <= 0 && !all {
				return fmt.Errorf("must specify --steps or --all")
			}
			if all {
				steps = 0
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := postgres.MigrateDown(e.db, steps); err != nil {
				return err
			}
			return printVersion(e.db)
		},
	}
	down.Flags().IntVar(&steps, "steps", 0, "Number of migrations to roll back")
	down.Flags().Bool("all", false, "Roll back every migration")
	cmd.AddCommand(down)

	return cmd
}

func printVersion(db *postgres.DB) error {
	version, dirty, err := postgres.MigrationVersion(db)
	if err != nil {
		return err
	}
	fmt.Printf("Schema version: %d (dirty: %t)\n", version, dirty)
	return nil
}
