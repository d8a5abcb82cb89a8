package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/repl-mon/internal/config"
	"github.com/pilot-net/repl-mon/pkg/types"
)

// StreamHealthChecker verifies that a discovered stream is still flowing.
type StreamHealthChecker interface {
	CheckStreamHealth(ctx context.Context, stream types.ReplicationStream) (bool, error)
}

// StreamHealthStore defines the storage interface for the stream health
// worker.
type StreamHealthStore interface {
	// ListStreams returns every cached replication stream.
	ListStreams(ctx context.Context) ([]types.ReplicationStream, error)

	// SaveStream caches one stream, refreshing its TTL.
	SaveStream(ctx context.Context, stream *types.ReplicationStream) error
}

// StreamHealthWorkerConfig holds configuration for the stream health worker.
type StreamHealthWorkerConfig struct {
	// Interval between health passes.
	Interval time.Duration
}

// DefaultStreamHealthWorkerConfig returns sensible defaults.
func DefaultStreamHealthWorkerConfig() StreamHealthWorkerConfig {
	return StreamHealthWorkerConfig{
		Interval: config.DefaultStreamHealthInterval,
	}
}

// StreamHealthWorker periodically re-checks cached streams against the
// catalog. A disabled subscription or inactive replication slot marks the
// stream inactive; a failed check marks it errored. Discovery remains the
// source of truth for stream existence, this worker only adjusts status
// between discovery passes.
type StreamHealthWorker struct {
	checker StreamHealthChecker
	store   StreamHealthStore
	config  StreamHealthWorkerConfig
	logger  *slog.Logger
	stopCh  chan struct{}
}

// NewStreamHealthWorker creates a new stream health worker.
func NewStreamHealthWorker(checker StreamHealthChecker, store StreamHealthStore, config StreamHealthWorkerConfig, logger *slog.Logger) *StreamHealthWorker {
	return &StreamHealthWorker{
		checker: checker,
		store:   store,
		config:  config,
		logger:  logger.With("component", "stream_health_worker"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the stream health worker in a goroutine.
func (w *StreamHealthWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *StreamHealthWorker) Stop() {
	close(w.stopCh)
}

func (w *StreamHealthWorker) run(ctx context.Context) {
	w.logger.Info("stream health worker started", "interval", w.config.Interval)

	// Run immediately on start
	w.runOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stream health worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("stream health worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *StreamHealthWorker) runOnce(ctx context.Context) {
	start := time.Now()

	streams, err := w.store.ListStreams(ctx)
	if err != nil {
		w.logger.Error("failed to list streams", "error", err)
		return
	}
	if len(streams) == 0 {
		w.logger.Debug("no cached streams, skipping health pass")
		return
	}

	healthy, unhealthy, errored := 0, 0, 0
	for _, stream := range streams {
		stream := stream
		ok, err := w.checker.CheckStreamHealth(ctx, stream)
		switch {
		case err != nil:
			errored++
			w.logger.Warn("stream health check failed",
				"stream_id", stream.ID,
				"type", stream.Type,
				"error", err,
			)
			w.transition(ctx, &stream, types.StreamStatusError, err.Error())
		case !ok:
			unhealthy++
			w.logger.Warn("stream is no longer healthy",
				"stream_id", stream.ID,
				"type", stream.Type,
			)
			w.transition(ctx, &stream, types.StreamStatusInactive, "")
		default:
			healthy++
		}
	}

	w.logger.Info("stream health cycle complete",
		"duration", time.Since(start),
		"streams", len(streams),
		"healthy", healthy,
		"unhealthy", unhealthy,
		"errors", errored,
	)
}

// transition re-caches a stream under a new status. Healthy streams are left
// untouched so the discovery worker's richer snapshot is not overwritten.
func (w *StreamHealthWorker) transition(ctx context.Context, stream *types.ReplicationStream, status types.StreamStatus, msg string) {
	if stream.Status == status && stream.Error == msg {
		return
	}
	stream.Status = status
	stream.Error = msg
	if err := w.store.SaveStream(ctx, stream); err != nil {
		w.logger.Error("failed to update stream status",
			"stream_id", stream.ID,
			"status", status,
			"error", err,
		)
	}
}
