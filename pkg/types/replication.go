// Package types - Replication topology model
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// =============================================================================
// REPLICATION STREAM
// =============================================================================

// StreamType discriminates logical (publication/subscription) from physical
// (WAL streaming) replication.
type StreamType string

const (
	StreamTypeLogical  StreamType = "logical"
	StreamTypePhysical StreamType = "physical"
)

// StreamStatus is the observed state of a replication stream.
type StreamStatus string

const (
	StreamStatusActive   StreamStatus = "active"
	StreamStatusInactive StreamStatus = "inactive"
	StreamStatusSyncing  StreamStatus = "syncing"
	StreamStatusError    StreamStatus = "error"
)

// ReplicationStream is a directed edge from a source database to a target
// database. The logical variant carries publication/subscription names; the
// physical variant carries the replication slot and WAL-sender PID.
//
// Stream IDs are content-derived (hash of type, endpoints, and names) so the
// same topology edge keeps the same identity across discovery passes and
// process restarts. Alert deduplication depends on this.
type ReplicationStream struct {
	ID   string     `json:"id"`
	Type StreamType `json:"type"`

	SourceDatabaseID string `json:"source_database_id"`
	TargetDatabaseID string `json:"target_database_id"`

	// Logical replication fields. PublishedTables is the number of tables
	// the source publication carries.
	PublicationName  string `json:"publication_name,omitempty"`
	SubscriptionName string `json:"subscription_name,omitempty"`
	PublishedTables  int    `json:"published_tables,omitempty"`

	// ReplicationSlotName is set for both variants: the subscription's slot
	// on the source for logical streams, the sender's slot for physical.
	ReplicationSlotName string `json:"replication_slot_name,omitempty"`
	WALSenderPID        int    `json:"wal_sender_pid,omitempty"`

	Status     StreamStatus `json:"status"`
	LagBytes   uint64       `json:"lag_bytes"`
	LagSeconds float64      `json:"lag_seconds"`

	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	Error        string     `json:"error,omitempty"`

	// IsManaged is true only for logical streams this system created and can
	// tear down. Physical streaming replication is observed, never managed.
	IsManaged bool `json:"is_managed"`

	DiscoveredAt time.Time `json:"discovered_at"`
}

// StreamID derives a stable identifier for a topology edge. Two discovery
// passes that observe the same edge produce the same ID.
func StreamID(streamType StreamType, sourceID, targetID, publication, subscription string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s",
		streamType, sourceID, targetID, publication, subscription)))
	return hex.EncodeToString(sum[:])[:16]
}

// =============================================================================
// REPLICATION METRICS
// =============================================================================

// ReplicationMetrics is a point-in-time measurement for one stream.
type ReplicationMetrics struct {
	StreamID   string    `json:"stream_id"`
	MeasuredAt time.Time `json:"measured_at"`

	LagBytes   uint64  `json:"lag_bytes"`
	LagSeconds float64 `json:"lag_seconds"`

	// WALPosition is the most recently confirmed LSN on the receiving side.
	WALPosition string `json:"wal_position,omitempty"`

	SyncedTables int `json:"synced_tables"`
	TotalTables  int `json:"total_tables"`

	// BackfillProgress is synced/total as a percentage. Nil when the stream
	// has no tables to copy (total == 0).
	BackfillProgress *float64 `json:"backfill_progress,omitempty"`
}

// ComputeBackfillProgress fills BackfillProgress from the table counts.
func (m *ReplicationMetrics) ComputeBackfillProgress() {
	if m.TotalTables <= 0 {
		m.BackfillProgress = nil
		return
	}
	pct := float64(m.SyncedTables) / float64(m.TotalTables) * 100.0
	m.BackfillProgress = &pct
}
