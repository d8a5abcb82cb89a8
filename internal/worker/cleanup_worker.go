package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/repl-mon/internal/config"
)

// AlertCleaner deletes resolved alerts older than the retention window.
type AlertCleaner interface {
	CleanupResolvedAlerts(ctx context.Context, retention time.Duration) (int, error)
}

// CleanupWorkerConfig holds configuration for the cleanup worker.
type CleanupWorkerConfig struct {
	// Interval between cleanup runs.
	Interval time.Duration

	// Retention is how long resolved alerts are kept.
	Retention time.Duration
}

// DefaultCleanupWorkerConfig returns sensible defaults.
func DefaultCleanupWorkerConfig() CleanupWorkerConfig {
	return CleanupWorkerConfig{
		Interval:  config.DefaultCleanupInterval,
		Retention: config.DefaultAlertRetention,
	}
}

// CleanupWorker periodically prunes resolved alerts past their retention.
type CleanupWorker struct {
	engine AlertCleaner
	config CleanupWorkerConfig
	logger *slog.Logger
	stopCh chan struct{}
}

// NewCleanupWorker creates a new cleanup worker.
func NewCleanupWorker(engine AlertCleaner, config CleanupWorkerConfig, logger *slog.Logger) *CleanupWorker {
	return &CleanupWorker{
		engine: engine,
		config: config,
		logger: logger.With("component", "cleanup_worker"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the cleanup worker in a goroutine.
func (w *CleanupWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *CleanupWorker) Stop() {
	close(w.stopCh)
}

func (w *CleanupWorker) run(ctx context.Context) {
	w.logger.Info("cleanup worker started",
		"interval", w.config.Interval,
		"retention", w.config.Retention,
	)

	// Run immediately on start
	w.runOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cleanup worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("cleanup worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	start := time.Now()
	removed, err := w.engine.CleanupResolvedAlerts(ctx, w.config.Retention)
	if err != nil {
		w.logger.Error("alert cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		w.logger.Info("cleanup worker cycle complete",
			"duration", time.Since(start),
			"alerts_removed", removed,
		)
	}
}
