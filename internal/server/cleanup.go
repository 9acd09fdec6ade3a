package server

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CleanupConfig holds configuration for the working directory sweeper.
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	MaxAge   time.Duration
	Root     string
	Logger   *slog.Logger
}

// StartCleanupJob periodically removes per-request working directories left
// behind by a crash or kill. It blocks until ctx is cancelled.
func (s *Server) StartCleanupJob(ctx context.Context, cfg CleanupConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = s.logger
	}
	if !cfg.Enabled {
		logger.Info("cleanup_disabled")
		return
	}

	logger.Info("cleanup_starting", "interval", cfg.Interval, "max_age", cfg.MaxAge, "root", cfg.Root)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.metrics.sweptDirs.Add(float64(sweepWorkDirs(cfg.Root, cfg.MaxAge, time.Now(), logger)))

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup_shutting_down")
			return
		case <-ticker.C:
			s.metrics.sweptDirs.Add(float64(sweepWorkDirs(cfg.Root, cfg.MaxAge, time.Now(), logger)))
		}
	}
}

// sweepWorkDirs deletes acsm-* directories under root whose modification
// time is older than maxAge and returns how many were removed.
func sweepWorkDirs(root string, maxAge time.Duration, now time.Time, logger *slog.Logger) int {
	entries, err := os.ReadDir(root)
	if err != nil {
		logger.Warn("cleanup_read_failed", "root", root, "err", err)
		return 0
	}

	cutoff := now.Add(-maxAge)
	deleted := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), workDirPrefix) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		dir := filepath.Join(root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("cleanup_delete_failed", "dir", dir, "err", err)
			continue
		}
		logger.Info("cleanup_removed_stale_workdir", "dir", dir, "age", now.Sub(info.ModTime()).Round(time.Second))
		deleted++
	}

	return deleted
}
