// Package worker provides the background loops that drive monitoring,
// discovery, and retention cleanup.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/repl-mon/internal/config"
)

// MonitoringCycler runs one collect-and-evaluate pass.
type MonitoringCycler interface {
	RunMonitoringCycle(ctx context.Context) error
}

// MonitorWorkerConfig holds configuration for the monitor worker.
type MonitorWorkerConfig struct {
	// Interval between monitoring cycles.
	Interval time.Duration
}

// DefaultMonitorWorkerConfig returns sensible defaults.
func DefaultMonitorWorkerConfig() MonitorWorkerConfig {
	return MonitorWorkerConfig{
		Interval: config.DefaultMonitorInterval,
	}
}

// MonitorWorker periodically collects metrics and evaluates alert thresholds.
type MonitorWorker struct {
	engine MonitoringCycler
	config MonitorWorkerConfig
	logger *slog.Logger
	stopCh chan struct{}
}

// NewMonitorWorker creates a new monitor worker.
func NewMonitorWorker(engine MonitoringCycler, config MonitorWorkerConfig, logger *slog.Logger) *MonitorWorker {
	return &MonitorWorker{
		engine: engine,
		config: config,
		logger: logger.With("component", "monitor_worker"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the monitor worker in a goroutine.
func (w *MonitorWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *MonitorWorker) Stop() {
	close(w.stopCh)
}

func (w *MonitorWorker) run(ctx context.Context) {
	w.logger.Info("monitor worker started", "interval", w.config.Interval)

	// Run immediately on start
	w.runOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("monitor worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("monitor worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *MonitorWorker) runOnce(ctx context.Context) {
	if err := w.engine.RunMonitoringCycle(ctx); err != nil {
		w.logger.Error("monitoring cycle failed", "error", err)
	}
}
