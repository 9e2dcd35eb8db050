package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marcus-qen/vertiport/internal/config"
	"github.com/marcus-qen/vertiport/internal/connection"
	"github.com/marcus-qen/vertiport/internal/controller"
	"github.com/marcus-qen/vertiport/internal/discovery"
	"github.com/marcus-qen/vertiport/internal/status"
	"github.com/marcus-qen/vertiport/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the controller with its local HTTP API until interrupted",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
}

func newController(cfg config.Config, logger *zap.Logger) *controller.Controller {
	scanner := discovery.NewScanner(
		discovery.DefaultProvider(cfg.LocalAddress),
		discovery.NewTCPProber(cfg.ProbeTimeout),
		logger.Named("scanner"),
	)
	scanner.MaxConcurrency = cfg.ScanConcurrency

	return controller.New(controller.Options{
		DevicePort:  cfg.DevicePort,
		AutoConnect: cfg.AutoConnect,
		Scanner:     scanner,
		SessionOptions: []connection.Option{
			connection.WithRetryInterval(cfg.RetryInterval),
			connection.WithIOTimeout(cfg.IOTimeout),
		},
	}, logger)
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTracing(sctx)
		}()
	}

	ctrl := newController(cfg, logger)
	defer ctrl.Close()

	switch {
	case cfg.Device != "":
		if err := ctrl.Connect(ctx, cfg.Device, cfg.DevicePort); err != nil {
			return fmt.Errorf("connect to %s: %w", cfg.Device, err)
		}
	case cfg.AutoConnect:
		if _, err := ctrl.StartScan(ctx); err != nil {
			return fmt.Errorf("start scan: %w", err)
		}
	}

	if cfg.LivenessSchedule != "" {
		if err := ctrl.StartLiveness(cfg.LivenessSchedule); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           status.NewServer(ctrl, version, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server listening", zap.String("addr", cfg.ListenAddr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
