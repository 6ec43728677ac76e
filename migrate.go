package main

import (
	"checkout-service/internal/config"
	"checkout-service/internal/db"
	"checkout-service/internal/logging"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := logging.GetLogger(cfg.Logs)

			if err := db.RunMigrations(cfg.Database.ConnString(), cfg.Database.MigrationsDir); err != nil {
				return err
			}
			logger.Info("Migrations applied", "dir", cfg.Database.MigrationsDir)
			return nil
		},
	}
}
