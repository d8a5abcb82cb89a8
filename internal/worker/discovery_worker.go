package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/repl-mon/internal/config"
	"github.com/pilot-net/repl-mon/pkg/types"
)

// StreamDiscoverer finds replication streams across a set of databases.
type StreamDiscoverer interface {
	DiscoverLogical(ctx context.Context, databases []types.DatabaseDescriptor) ([]types.ReplicationStream, []string)
	DiscoverPhysical(ctx context.Context, databases []types.DatabaseDescriptor) ([]types.ReplicationStream, []string)
}

// DiscoveryStore defines the storage interface for the discovery worker.
type DiscoveryStore interface {
	// ListDescriptors returns every monitored database.
	ListDescriptors(ctx context.Context) ([]types.DatabaseDescriptor, error)

	// SaveStream caches one discovered stream.
	SaveStream(ctx context.Context, stream *types.ReplicationStream) error
}

// DiscoveryWorkerConfig holds configuration for the discovery worker.
type DiscoveryWorkerConfig struct {
	// Interval between discovery passes.
	Interval time.Duration
}

// DefaultDiscoveryWorkerConfig returns sensible defaults.
func DefaultDiscoveryWorkerConfig() DiscoveryWorkerConfig {
	return DiscoveryWorkerConfig{
		Interval: config.DefaultDiscoveryInterval,
	}
}

// DiscoveryWorker periodically rediscovers replication topology and caches
// the streams it finds. Streams are stored with a TTL, so a stream that
// disappears from the topology ages out on its own.
type DiscoveryWorker struct {
	engine StreamDiscoverer
	store  DiscoveryStore
	config DiscoveryWorkerConfig
	logger *slog.Logger
	stopCh chan struct{}
}

// NewDiscoveryWorker creates a new discovery worker.
func NewDiscoveryWorker(engine StreamDiscoverer, store DiscoveryStore, config DiscoveryWorkerConfig, logger *slog.Logger) *DiscoveryWorker {
	return &DiscoveryWorker{
		engine: engine,
		store:  store,
		config: config,
		logger: logger.With("component", "discovery_worker"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the discovery worker in a goroutine.
func (w *DiscoveryWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *DiscoveryWorker) Stop() {
	close(w.stopCh)
}

func (w *DiscoveryWorker) run(ctx context.Context) {
	w.logger.Info("discovery worker started", "interval", w.config.Interval)

	// Run immediately on start
	w.runOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("discovery worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("discovery worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *DiscoveryWorker) runOnce(ctx context.Context) {
	start := time.Now()

	databases, err := w.store.ListDescriptors(ctx)
	if err != nil {
		w.logger.Error("failed to list databases", "error", err)
		return
	}
	if len(databases) == 0 {
		w.logger.Debug("no databases configured, skipping discovery")
		return
	}

	logical, errs := w.engine.DiscoverLogical(ctx, databases)
	physical, perrs := w.engine.DiscoverPhysical(ctx, databases)
	for _, msg := range append(errs, perrs...) {
		w.logger.Warn("discovery issue", "error", msg)
	}

	saved := 0
	for _, stream := range append(logical, physical...) {
		stream := stream
		if err := w.store.SaveStream(ctx, &stream); err != nil {
			w.logger.Error("failed to cache stream",
				"stream_id", stream.ID,
				"type", stream.Type,
				"error", err,
			)
			continue
		}
		saved++
	}

	w.logger.Info("discovery worker cycle complete",
		"duration", time.Since(start),
		"databases", len(databases),
		"logical_streams", len(logical),
		"physical_streams", len(physical),
		"streams_cached", saved,
		"issues", len(errs)+len(perrs),
	)
}
