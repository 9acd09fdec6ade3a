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

	"acsm-bridge/internal/adept"
	"acsm-bridge/internal/config"
	"acsm-bridge/internal/db"
	"acsm-bridge/internal/server"
)

func main() {
	os.Exit(run())
}

// app is everything setup wires together. close releases the optional
// backends.
type app struct {
	srv     *server.Server
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_invalid", "err", err)
		return 1
	}

	logger := server.NewLogger(cfg.Log, os.Stderr).With("service", "acsm-bridge")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, cfg, logger, adept.ExecRunner{})
	if err != nil {
		logger.Error("startup_failed", "err", err)
		return 1
	}
	defer a.close()

	go a.srv.StartCleanupJob(ctx, server.CleanupConfig{
		Enabled:  true,
		Interval: cfg.CleanupInterval,
		MaxAge:   cfg.CleanupMaxAge,
		Root:     cfg.WorkDir,
		Logger:   logger,
	})

	// Start the HTTP server in a background goroutine so signals can be
	// handled while it runs.
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting",
			"addr", cfg.Addr,
			"env", cfg.Env,
			"version", cfg.Version,
			"commit", cfg.Commit,
		)
		errCh <- a.srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown_error", "err", err)
			return 1
		}
		logger.Info("shutdown_complete")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_error", "err", err)
			return 1
		}
	}
	return 0
}

// setup activates the device, connects the optional audit database and
// voucher archive, and builds the server. Nothing is listening yet when it
// returns, so an activation failure never exposes the service.
func setup(ctx context.Context, cfg config.Config, logger *slog.Logger, runner adept.Runner) (*app, error) {
	tools := &adept.Toolchain{
		Runner:        runner,
		ActivateTool:  cfg.ActivateTool,
		DownloadTool:  cfg.DownloadTool,
		RemoveTool:    cfg.RemoveTool,
		ActivationDir: cfg.ActivationDir,
		Timeout:       cfg.ToolTimeout,
	}
	activator := adept.NewActivator(tools, cfg.ActivationTimeout, logger)
	if err := activator.Ensure(ctx); err != nil {
		return nil, err
	}

	a := &app{}
	srvCfg := server.Config{
		App:       cfg,
		Tools:     tools,
		Activator: activator,
		Logger:    logger,
	}

	if cfg.DatabaseURL != "" {
		conn, err := server.OpenDB(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, conn.Close)

		logger.Info("running_migrations")
		if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
			a.close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("migrations_complete")
		srvCfg.Audit = server.NewAuditStore(conn)
	} else {
		logger.Info("audit_disabled")
	}

	if cfg.S3.Enabled() {
		archive, err := server.NewMinioArchive(ctx, cfg.S3)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("voucher archive: %w", err)
		}
		logger.Info("voucher_archive_enabled", "bucket", cfg.S3.Bucket)
		srvCfg.Archive = archive
	}

	a.srv = server.New(srvCfg)
	return a, nil
}
