package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammad-safakhou/kinetiq/config"
	"github.com/mohammad-safakhou/kinetiq/internal/logging"
	"github.com/mohammad-safakhou/kinetiq/internal/runtime"
	srv "github.com/mohammad-safakhou/kinetiq/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var migrateFirst bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			logger, err := logging.New(cfg.General.LogLevel, cfg.General.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tel, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceVersion: version})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn("telemetry shutdown", zap.Error(err))
				}
			}()

			if migrateFirst && cfg.Storage.Postgres.Enabled() {
				if err := srv.Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
					return err
				}
			}

			a, err := newApp(ctx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			opts := srv.Options{
				Config:   cfg.Server,
				Pipeline: a.orch,
				Store:    a.store,
				Registry: a.registry,
				Logger:   logger,
			}
			if a.queue != nil {
				opts.Queue = a.queue
			}
			e, sessions := srv.New(opts)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("listening", zap.String("addr", cfg.Server.Address), zap.String("mode", cfg.Pipeline.Mode))
				if err := e.Start(cfg.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				err := e.Shutdown(shutdownCtx)
				sessions.Wait()
				return err
			})
			return g.Wait()
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().BoolVar(&migrateFirst, "migrate", false, "apply database migrations before serving")
	return serve
}
