package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pilot-net/repl-mon/internal/config"
	"github.com/pilot-net/repl-mon/pkg/types"
)

// CatalogReader is the slice of the catalog the engine needs. Tests
// substitute fakes.
type CatalogReader interface {
	Publications(ctx context.Context, databaseID string) ([]Publication, error)
	Subscriptions(ctx context.Context, databaseID string) ([]Subscription, error)
	WALSenders(ctx context.Context, databaseID string) ([]WALSender, error)
	WALSenderByPID(ctx context.Context, databaseID string, pid int) (*WALSender, error)
	SubscriptionProgress(ctx context.Context, databaseID, subscription string) (*SubscriptionProgress, error)
	SubscriptionEnabled(ctx context.Context, databaseID, subscription string) (bool, error)
	SlotActive(ctx context.Context, databaseID, slot string) (bool, error)
}

// Registrar registers descriptors with the pool manager. Implemented by
// pool.Manager.
type Registrar interface {
	Registered(id string) bool
	Register(ctx context.Context, db types.DatabaseDescriptor) error
}

// Engine reconstructs replication topology by matching publications to
// subscriptions (logical) and WAL senders to configured replicas (physical).
type Engine struct {
	catalog   CatalogReader
	registrar Registrar
	logger    *slog.Logger
}

// NewEngine creates a discovery engine.
func NewEngine(catalog CatalogReader, registrar Registrar, logger *slog.Logger) *Engine {
	return &Engine{catalog: catalog, registrar: registrar, logger: logger}
}

// publicationRef ties a publication to the primary it lives on.
type publicationRef struct {
	databaseID string
	pub        Publication
}

// ensureRegistered registers every descriptor best-effort. Databases that
// fail to register are skipped by the caller, not fatal to the pass.
func (e *Engine) ensureRegistered(ctx context.Context, databases []types.DatabaseDescriptor) (map[string]bool, []string) {
	skipped := make(map[string]bool)
	var errs []string
	for _, db := range databases {
		if e.registrar.Registered(db.ID) {
			continue
		}
		if err := e.registrar.Register(ctx, db); err != nil {
			e.logger.Warn("skipping unregisterable database",
				"database_id", db.ID,
				"error", err)
			errs = append(errs, fmt.Sprintf("database %s: %v", db.ID, err))
			skipped[db.ID] = true
		}
	}
	return skipped, errs
}

// DiscoverLogical enumerates publications on primaries and subscriptions on
// replicas, then pairs them by publication-name equality across all
// databases. Returns the discovered streams plus human-readable errors for
// databases that could not be queried; partial results are normal.
func (e *Engine) DiscoverLogical(ctx context.Context, databases []types.DatabaseDescriptor) ([]types.ReplicationStream, []string) {
	skipped, errs := e.ensureRegistered(ctx, databases)

	var pubs []publicationRef
	for _, db := range databases {
		if db.Role != types.RolePrimary || skipped[db.ID] {
			continue
		}
		list, err := e.catalog.Publications(ctx, db.ID)
		if err != nil {
			e.logger.Warn("listing publications failed", "database_id", db.ID, "error", err)
			errs = append(errs, fmt.Sprintf("publications on %s: %v", db.ID, err))
			continue
		}
		for _, p := range list {
			pubs = append(pubs, publicationRef{databaseID: db.ID, pub: p})
		}
	}

	var streams []types.ReplicationStream
	for _, db := range databases {
		if db.Role != types.RoleReplica || skipped[db.ID] {
			continue
		}
		subs, err := e.catalog.Subscriptions(ctx, db.ID)
		if err != nil {
			e.logger.Warn("listing subscriptions failed", "database_id", db.ID, "error", err)
			errs = append(errs, fmt.Sprintf("subscriptions on %s: %v", db.ID, err))
			continue
		}
		for _, sub := range subs {
			stream, ok := e.matchSubscription(db.ID, sub, pubs)
			if !ok {
				continue
			}
			streams = append(streams, stream)
		}
	}

	e.logger.Info("logical discovery complete",
		"databases", len(databases),
		"publications", len(pubs),
		"streams", len(streams),
		"errors", len(errs))
	return streams, errs
}

// matchSubscription finds the publication a subscription consumes. Matching
// is by name equality across every primary; the first match in descriptor
// order wins, and additional matches are logged as ambiguous.
func (e *Engine) matchSubscription(replicaID string, sub Subscription, pubs []publicationRef) (types.ReplicationStream, bool) {
	var matches []publicationRef
	for _, ref := range pubs {
		if ref.pub.Name == sub.PublicationName {
			matches = append(matches, ref)
		}
	}
	if len(matches) == 0 {
		e.logger.Warn("subscription has no matching publication",
			"subscription", sub.Name,
			"publication", sub.PublicationName,
			"replica_id", replicaID)
		return types.ReplicationStream{}, false
	}
	if len(matches) > 1 {
		e.logger.Warn("publication name is ambiguous across primaries, using first match",
			"publication", sub.PublicationName,
			"subscription", sub.Name,
			"candidates", len(matches))
	}

	source := matches[0]
	stream := types.ReplicationStream{
		ID:                  types.StreamID(types.StreamTypeLogical, source.databaseID, replicaID, sub.PublicationName, sub.Name),
		Type:                types.StreamTypeLogical,
		SourceDatabaseID:    source.databaseID,
		TargetDatabaseID:    replicaID,
		PublicationName:     sub.PublicationName,
		SubscriptionName:    sub.Name,
		PublishedTables:     source.pub.TableCount,
		ReplicationSlotName: sub.SlotName,
		Status:              types.StreamStatusInactive,
		LagSeconds:          messageLagSeconds(sub.LastMsgSendTime, sub.LastMsgRecvTime),
		IsManaged:           true,
		DiscoveredAt:        time.Now(),
	}
	e.logger.Debug("matched subscription to publication",
		"subscription", sub.Name,
		"publication", sub.PublicationName,
		"source_id", source.databaseID,
		"published_tables", source.pub.TableCount,
		"all_tables", source.pub.AllTables)
	if sub.Enabled {
		stream.Status = types.StreamStatusActive
		if sub.LastMsgRecvTime != nil {
			stream.LastSyncTime = sub.LastMsgRecvTime
		}
	}
	return stream, true
}

// messageLagSeconds approximates logical lag as the wall-clock delta between
// the last message sent by the publisher and its receipt by the apply worker.
// This is not true replication delay; byte lag for logical streams is left at
// zero because the publisher-side LSN is not exposed on this query path.
func messageLagSeconds(send, recv *time.Time) float64 {
	if send == nil || recv == nil {
		return 0
	}
	lag := recv.Sub(*send).Seconds()
	if lag < 0 {
		return 0
	}
	return lag
}

// DiscoverPhysical enumerates WAL senders on primaries and attaches each to
// a configured replica. A sender matches only when its application name is
// the walreceiver sentinel and the replica advertises the fixed physical
// port; unmatched senders are discarded with a warning, never returned as
// orphans.
func (e *Engine) DiscoverPhysical(ctx context.Context, databases []types.DatabaseDescriptor) ([]types.ReplicationStream, []string) {
	skipped, errs := e.ensureRegistered(ctx, databases)

	var streams []types.ReplicationStream
	seen := make(map[string]bool)

	for _, db := range databases {
		if db.Role != types.RolePrimary || skipped[db.ID] {
			continue
		}
		senders, err := e.catalog.WALSenders(ctx, db.ID)
		if err != nil {
			e.logger.Warn("listing wal senders failed", "database_id", db.ID, "error", err)
			errs = append(errs, fmt.Sprintf("wal senders on %s: %v", db.ID, err))
			continue
		}

		for _, sender := range senders {
			// Logical subscription workers also appear in
			// pg_stat_replication; skip them to avoid double-counting.
			if strings.Contains(sender.ApplicationName, config.LogicalSenderHint) {
				continue
			}

			replica, ok := matchReplica(sender, databases)
			if !ok {
				e.logger.Warn("wal sender matches no configured replica, discarding",
					"database_id", db.ID,
					"pid", sender.PID,
					"application_name", sender.ApplicationName,
					"client_addr", sender.ClientAddr)
				continue
			}

			stream := physicalStream(db.ID, replica.ID, sender)
			if seen[stream.ID] {
				continue
			}
			seen[stream.ID] = true
			streams = append(streams, stream)
		}
	}

	e.logger.Info("physical discovery complete",
		"databases", len(databases),
		"streams", len(streams),
		"errors", len(errs))
	return streams, errs
}

// matchReplica attaches a sender to a configured replica. The sentinel-plus-
// fixed-port rule only identifies replicas deployed on the designated
// physical port; pg_stat_replication does not expose the standby's listen
// address, so a general address-based match is not available here.
func matchReplica(sender WALSender, databases []types.DatabaseDescriptor) (types.DatabaseDescriptor, bool) {
	if sender.ApplicationName != config.WALReceiverApplicationName {
		return types.DatabaseDescriptor{}, false
	}
	for _, db := range databases {
		if db.Role == types.RoleReplica && db.Port == config.PhysicalReplicaPort {
			return db, true
		}
	}
	return types.DatabaseDescriptor{}, false
}

func physicalStream(primaryID, replicaID string, sender WALSender) types.ReplicationStream {
	stream := types.ReplicationStream{
		ID:                  types.StreamID(types.StreamTypePhysical, primaryID, replicaID, "", ""),
		Type:                types.StreamTypePhysical,
		SourceDatabaseID:    primaryID,
		TargetDatabaseID:    replicaID,
		ReplicationSlotName: sender.SlotName,
		WALSenderPID:        sender.PID,
		LagBytes:            LSNDiff(sender.SentLSN, sender.ReplayLSN),
		IsManaged:           false,
		DiscoveredAt:        time.Now(),
	}
	if sender.ReplayLagSeconds != nil {
		stream.LagSeconds = *sender.ReplayLagSeconds
	}
	switch sender.State {
	case "streaming":
		stream.Status = types.StreamStatusActive
		now := time.Now()
		stream.LastSyncTime = &now
	case "catchup", "backup":
		stream.Status = types.StreamStatusSyncing
	default:
		stream.Status = types.StreamStatusInactive
	}
	return stream
}

// CollectStreamMetrics measures one stream, dispatching on type. A vanished
// catalog row (dropped subscription, disconnected sender) yields a
// KindNotFound error; callers treat that as "stream gone", not fatal.
func (e *Engine) CollectStreamMetrics(ctx context.Context, stream types.ReplicationStream) (*types.ReplicationMetrics, error) {
	switch stream.Type {
	case types.StreamTypeLogical:
		return e.logicalMetrics(ctx, stream)
	case types.StreamTypePhysical:
		return e.physicalMetrics(ctx, stream)
	default:
		return nil, types.NewValidationError(
			fmt.Sprintf("stream %s has unknown type %q", stream.ID, stream.Type), nil)
	}
}

func (e *Engine) logicalMetrics(ctx context.Context, stream types.ReplicationStream) (*types.ReplicationMetrics, error) {
	if stream.SubscriptionName == "" {
		return nil, types.NewValidationError(
			fmt.Sprintf("logical stream %s has no subscription name", stream.ID), nil)
	}

	progress, err := e.catalog.SubscriptionProgress(ctx, stream.TargetDatabaseID, stream.SubscriptionName)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		return nil, types.NewNotFoundError("subscription %s no longer exists on %s",
			stream.SubscriptionName, stream.TargetDatabaseID)
	}

	m := &types.ReplicationMetrics{
		StreamID:     stream.ID,
		MeasuredAt:   time.Now(),
		LagSeconds:   messageLagSeconds(progress.LastMsgSendTime, progress.LastMsgRecvTime),
		WALPosition:  progress.ReceivedLSN,
		SyncedTables: progress.SyncedTables,
		TotalTables:  progress.TotalTables,
	}
	m.ComputeBackfillProgress()
	return m, nil
}

func (e *Engine) physicalMetrics(ctx context.Context, stream types.ReplicationStream) (*types.ReplicationMetrics, error) {
	if stream.WALSenderPID == 0 {
		return nil, types.NewValidationError(
			fmt.Sprintf("physical stream %s has no wal sender pid", stream.ID), nil)
	}

	sender, err := e.catalog.WALSenderByPID(ctx, stream.SourceDatabaseID, stream.WALSenderPID)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, types.NewNotFoundError("wal sender %d no longer connected on %s",
			stream.WALSenderPID, stream.SourceDatabaseID)
	}

	m := &types.ReplicationMetrics{
		StreamID:    stream.ID,
		MeasuredAt:  time.Now(),
		LagBytes:    LSNDiff(sender.SentLSN, sender.ReplayLSN),
		WALPosition: sender.ReplayLSN,
	}
	if sender.ReplayLagSeconds != nil {
		m.LagSeconds = *sender.ReplayLagSeconds
	}
	return m, nil
}

// CheckStreamHealth re-verifies that a previously discovered stream is still
// flowing. Logical streams are healthy when their subscription still exists
// and is enabled on the target; physical streams when their replication slot
// is still active on the source. Physical senders without a slot fall back to
// wal-sender presence.
func (e *Engine) CheckStreamHealth(ctx context.Context, stream types.ReplicationStream) (bool, error) {
	switch stream.Type {
	case types.StreamTypeLogical:
		if stream.SubscriptionName == "" {
			return false, types.NewValidationError(
				fmt.Sprintf("logical stream %s has no subscription name", stream.ID), nil)
		}
		return e.catalog.SubscriptionEnabled(ctx, stream.TargetDatabaseID, stream.SubscriptionName)
	case types.StreamTypePhysical:
		if stream.ReplicationSlotName != "" {
			return e.catalog.SlotActive(ctx, stream.SourceDatabaseID, stream.ReplicationSlotName)
		}
		if stream.WALSenderPID == 0 {
			return false, types.NewValidationError(
				fmt.Sprintf("physical stream %s has no slot or wal sender pid", stream.ID), nil)
		}
		sender, err := e.catalog.WALSenderByPID(ctx, stream.SourceDatabaseID, stream.WALSenderPID)
		if err != nil {
			return false, err
		}
		return sender != nil, nil
	default:
		return false, types.NewValidationError(
			fmt.Sprintf("stream %s has unknown type %q", stream.ID, stream.Type), nil)
	}
}
