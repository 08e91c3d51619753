package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/shopper-dispatch/internal/config"
	"github.com/example/shopper-dispatch/internal/logging"
	"github.com/example/shopper-dispatch/internal/tracing"
)

const serviceName = "shopper-dispatch"

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, provider sockets and offer loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func loadConfig(root *rootOptions) (config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return cfg, err
	}
	if root.LogLevel != "" {
		cfg.LogLevel = root.LogLevel
	}
	return cfg, nil
}

func serve(parent context.Context, cfg config.ServerConfig) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLogger(cfg.LogLevel, serviceName)
	slog.SetDefault(logger)

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.JaegerEndpoint,
		ServiceName: serviceName,
		Environment: cfg.Environment,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", slog.Any("err", err))
		}
	}()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.runFeed(ctx)
	if cfg.AutoConfirmAfter > 0 {
		go a.lifecycle.RunAutoConfirm(ctx, cfg.AutoConfirmAfter, time.Minute)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      a.server,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch listening", slog.String("addr", cfg.HTTPAddr), slog.String("store", string(cfg.StoreBackend)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", slog.Any("err", err))
	}
	return nil
}
