package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/shopper-dispatch/internal/config"
	"github.com/example/shopper-dispatch/internal/logging"
	"github.com/example/shopper-dispatch/internal/storage"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema to the configured store backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg, logging.NewLogger(cfg.LogLevel, serviceName))
		},
	}
}

func migrate(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN, logger)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	case config.BackendSQLite:
		// Opening applies the schema.
		s, err := storage.OpenSQLite(ctx, cfg.SQLitePath, nil)
		if err != nil {
			return err
		}
		defer s.Close()
	default:
		logger.Info("memory backend has no schema")
		return nil
	}
	logger.Info("schema applied", slog.String("backend", string(cfg.StoreBackend)))
	return nil
}
