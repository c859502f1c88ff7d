package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/autochat/internal/gateway"
	"github.com/ent0n29/autochat/internal/httpapi"
	"github.com/ent0n29/autochat/internal/observability"
	"github.com/ent0n29/autochat/internal/runlog"
	"github.com/ent0n29/autochat/internal/session"
	"github.com/ent0n29/autochat/internal/stats"
	"github.com/ent0n29/autochat/internal/transport"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the chat server and run until the dialog ceiling is reached",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd, opts)
		},
	}
}

func runBot(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logs := runlog.NewBuffer(runlog.DefaultCapacity, "")
	logger := runlog.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat, logs)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := stats.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("dialog ledger init failed: %w", err)
	}
	defer store.Close()

	gw, err := gateway.NewClient(gateway.Config{
		Mode:        cfg.GatewayMode,
		PrimaryURL:  cfg.GatewayURL,
		FallbackURL: cfg.GatewayFallbackURL,
		Timeout:     cfg.GatewayTimeout,
	})
	if err != nil {
		return fmt.Errorf("reply gateway init failed: %w", err)
	}
	if fb, ok := gw.(*gateway.FallbackClient); ok {
		fb.OnFailover(func(err error) {
			metrics.GatewayErrors.WithLabelValues("primary").Inc()
			logger.Warn("primary gateway failed, trying fallback", "error", err)
		})
	}

	ctrl, err := session.New(session.Deps{
		Config:  cfg,
		Dialer:  transport.NewWSDialer(0, 0),
		Gateway: gw,
		Store:   store,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	var httpServer *http.Server
	if cfg.BindAddr != "" {
		api := httpapi.New(ctrl, logs, store, metrics)
		httpServer = &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status api listening", "addr", cfg.BindAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status api stopped", "error", err)
			}
		}()
	}

	runErr := ctrl.Run(ctx)

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
			_ = httpServer.Close()
		}
	}

	if out, ok := ctrl.Outcome(); ok {
		logger.Info("run summary",
			"reason", out.Reason,
			"dialogs", out.Dialogs,
			"successful", out.Successful,
		)
	}
	return runErr
}
