package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"givepay/internal/app"
	"givepay/internal/common/database"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the payments database schema",
	}
	cmd.AddCommand(migrateUpCmd(), migrateDownCmd(), migrateVersionCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			return app.Migrate(cfg.Database.URL, logger, func(m *database.Migrator) error {
				return m.Up()
			})
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		Long: `Roll back the most recent migrations.

Examples:
  paymentsctl migrate down            # roll back one migration
  paymentsctl migrate down --steps 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1, got %d", steps)
			}
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			return app.Migrate(cfg.Database.URL, logger, func(m *database.Migrator) error {
				return m.Down(steps)
			})
		},
	}

	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to roll back")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			return app.Migrate(cfg.Database.URL, logger, func(m *database.Migrator) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
				return nil
			})
		},
	}
}
