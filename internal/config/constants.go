// Package config provides configuration constants for the replication monitor.
//
// This package centralizes hardcoded values that would otherwise be scattered
// throughout the codebase, making them easier to find, modify, and test.
package config

import "time"

// Connection pool defaults.
const (
	// DefaultPoolMinConns is the minimum pool size per database.
	DefaultPoolMinConns = 2

	// DefaultPoolMaxConns is the maximum pool size per database.
	DefaultPoolMaxConns = 10

	// DefaultConnectTimeout bounds initial pool creation and connection
	// establishment.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultQueryTimeout bounds every query issued through the pool manager.
	DefaultQueryTimeout = 10 * time.Second
)

// Health checking. Each registered database runs its own check loop.
const (
	// DefaultHealthCheckInterval is how often each database is probed.
	DefaultHealthCheckInterval = 30 * time.Second

	// DefaultHealthCheckTimeout bounds a single probe. Must stay shorter
	// than the interval so ticks for one database never overlap.
	DefaultHealthCheckTimeout = 10 * time.Second
)

// Long-running query detection thresholds.
const (
	// LongRunningQueryThreshold is the session age after which an active or
	// idle-in-transaction query counts as long-running.
	LongRunningQueryThreshold = 30 * time.Second

	// SQLLongRunningQueryInterval is the interval literal used in the
	// pg_stat_activity query. Must match LongRunningQueryThreshold.
	SQLLongRunningQueryInterval = "30 seconds"
)

// Physical replication discovery. The sender-to-replica match is by the
// walreceiver sentinel plus a fixed port, which only holds for topologies
// whose physical replicas are configured on that port.
const (
	// WALReceiverApplicationName is the application_name a default-configured
	// physical standby reports in pg_stat_replication.
	WALReceiverApplicationName = "walreceiver"

	// PhysicalReplicaPort is the port a configured replica must advertise to
	// be matched to a WAL sender.
	PhysicalReplicaPort = 5434

	// LogicalSenderHint marks pg_stat_replication rows that belong to
	// logical subscriptions, which physical discovery must skip.
	LogicalSenderHint = "subscription"
)

// Background cycle defaults.
const (
	// DefaultMonitorInterval is how often metrics are collected and
	// thresholds evaluated.
	DefaultMonitorInterval = 60 * time.Second

	// DefaultDiscoveryInterval is how often the replication topology is
	// re-discovered and cached.
	DefaultDiscoveryInterval = 2 * time.Minute

	// DefaultStreamHealthInterval is how often cached streams are
	// re-checked against the catalog for disabled subscriptions and
	// inactive replication slots.
	DefaultStreamHealthInterval = 2 * time.Minute

	// DefaultCleanupInterval is how often resolved alerts are swept.
	DefaultCleanupInterval = time.Hour

	// DefaultAlertRetention is how long resolved alerts are kept before the
	// cleanup cycle deletes them.
	DefaultAlertRetention = 30 * 24 * time.Hour
)

// Store TTLs.
const (
	// StreamCacheTTL is how long a discovered stream stays in the store
	// before it expires. Expiry means "not yet discovered", never an error.
	StreamCacheTTL = time.Hour
)

// Shutdown behavior.
const (
	// ShutdownTimeout bounds graceful shutdown: health loops are cancelled
	// and awaited, then pools closed, within this window.
	ShutdownTimeout = 15 * time.Second
)
