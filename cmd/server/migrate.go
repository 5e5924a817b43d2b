package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/config"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

func init() {
	migrateCmd.AddCommand(
		migrateStep("up", "Apply all pending migrations", (*migrations.Migrator).Up),
		migrateStep("down", "Roll back one migration", (*migrations.Migrator).Down),
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := loadConfig()
				if err != nil {
					return err
				}
				return runMigrations(cfg, log, func(m *migrations.Migrator) error {
					version, dirty, err := m.Version()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
					return nil
				})
			},
		},
	)
}

func migrateStep(use, short string, step func(*migrations.Migrator) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(*cobra.Command, []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			return runMigrations(cfg, log, step)
		},
	}
}

// runMigrations 開啟遷移器、執行 step 後關閉
func runMigrations(cfg *config.Config, log *slog.Logger, step func(*migrations.Migrator) error) (err error) {
	m, err := migrations.New(cfg.PostgresDSN(), log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close migrator: %w", closeErr)
		}
	}()

	if err := step(m); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
