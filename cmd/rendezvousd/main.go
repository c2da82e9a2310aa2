package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nihannihu/rendezvous/internal/registry"
	"github.com/nihannihu/rendezvous/internal/router"
	"github.com/nihannihu/rendezvous/internal/server"
	"github.com/nihannihu/rendezvous/internal/store/sqlite"
	"github.com/nihannihu/rendezvous/internal/tracker"
	"github.com/nihannihu/rendezvous/pkg/config"
	"github.com/nihannihu/rendezvous/pkg/logging"
)

func main() {
	bootLogger := logging.New("info")

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level)
	slog.SetDefault(logger)

	st, err := sqlite.New(cfg.Store.Path)
	if err != nil {
		logger.Error("Failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(logger, st, tracker.Config{
		CorridorToleranceMeters: cfg.Tracking.CorridorToleranceMeters,
		OvershootMarginMeters:   cfg.Tracking.OvershootMarginMeters,
		HistoryWindow:           cfg.Tracking.HistoryWindow,
		MinSpeedMetersPerSec:    cfg.Tracking.MinSpeedMetersPerSec,
	})
	rt := router.New(logger, reg)

	if cfg.Tracking.CheckpointInterval > 0 {
		go runCheckpoints(ctx, logger, reg, cfg.Tracking.CheckpointInterval)
	}

	app := server.NewApp(ctx, logger, cfg, reg, rt)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

// runCheckpoints periodically flushes live group state to the store until the
// root context ends. The final flush happens in the shutdown sequence.
func runCheckpoints(ctx context.Context, logger *slog.Logger, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reg.Checkpoint(ctx)
		case <-ctx.Done():
			logger.Debug("checkpoint loop stopped")
			return
		}
	}
}
