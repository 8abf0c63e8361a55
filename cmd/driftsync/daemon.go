package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/controlplane"
	"github.com/driftsync/driftsync/internal/logging"
	"github.com/driftsync/driftsync/internal/task"
	"github.com/driftsync/driftsync/internal/version"
)

const shutdownTimeout = 10 * time.Second

func runDaemon(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	closeLogs, err := logging.Setup(cfg.DataDir, slog.LevelDebug)
	if err != nil {
		return err
	}
	defer closeLogs()

	// One daemon per data directory.
	lock := flock.New(filepath.Join(cfg.DataDir, "driftsync.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance is already running on %s", cfg.DataDir)
	}
	defer lock.Unlock()

	slog.Info("daemon start",
		"version", version.Short(),
		"config", cfg.Path,
		"data_dir", cfg.DataDir,
		"tasks", len(cfg.Tasks),
	)

	supervisor, err := task.NewSupervisor(cfg)
	if err != nil {
		return err
	}
	if err := supervisor.StartAll(ctx); err != nil {
		return err
	}
	defer supervisor.StopAll()

	cp := controlplane.New(cfg.ControlAddr, supervisor)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cp.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		slog.Info("daemon shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return cp.Stop(stopCtx)
}
