package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pilot-net/repl-mon/internal/config"
	"github.com/pilot-net/repl-mon/pkg/types"
)

// Publication is one row of pg_publication with its table count.
type Publication struct {
	Name       string
	AllTables  bool
	TableCount int
}

// Subscription is one row of pg_subscription joined with its worker stats.
type Subscription struct {
	Name            string
	PublicationName string
	SlotName        string
	Enabled         bool
	ReceivedLSN     string
	LastMsgSendTime *time.Time
	LastMsgRecvTime *time.Time
}

// WALSender is one row of pg_stat_replication, joined with the replication
// slot it holds (if any).
type WALSender struct {
	PID              int
	ApplicationName  string
	ClientAddr       string
	State            string
	SlotName         string
	SentLSN          string
	WriteLSN         string
	FlushLSN         string
	ReplayLSN        string
	ReplayLagSeconds *float64
}

// SubscriptionProgress is the per-subscription sync state used for metrics.
type SubscriptionProgress struct {
	ReceivedLSN     string
	LastMsgSendTime *time.Time
	LastMsgRecvTime *time.Time
	SyncedTables    int
	TotalTables     int
}

// Querier issues a query against one registered database. Implemented by the
// pool manager.
type Querier interface {
	Query(ctx context.Context, databaseID, sql string, args ...any) (pgx.Rows, error)
}

// Catalog reads replication state from the PostgreSQL system catalogs through
// the pool manager. All queries are read-only.
type Catalog struct {
	q      Querier
	logger *slog.Logger
}

// NewCatalog creates a catalog reader.
func NewCatalog(q Querier, logger *slog.Logger) *Catalog {
	return &Catalog{q: q, logger: logger}
}

const publicationsSQL = `
SELECT p.pubname,
       p.puballtables,
       COUNT(pt.tablename)::int AS table_count
FROM pg_publication p
LEFT JOIN pg_publication_tables pt ON p.pubname = pt.pubname
GROUP BY p.pubname, p.puballtables
ORDER BY p.pubname`

// Publications lists publications on a primary, each with the number of
// published tables.
func (c *Catalog) Publications(ctx context.Context, databaseID string) ([]Publication, error) {
	rows, err := c.q.Query(ctx, databaseID, publicationsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pubs []Publication
	for rows.Next() {
		var p Publication
		if err := rows.Scan(&p.Name, &p.AllTables, &p.TableCount); err != nil {
			return nil, types.NewQueryError("scanning publications on "+databaseID, err)
		}
		pubs = append(pubs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewQueryError("reading publications on "+databaseID, err)
	}
	return pubs, nil
}

const subscriptionsSQL = `
SELECT s.subname,
       s.subenabled,
       s.subpublications,
       COALESCE(s.subslotname, ''),
       COALESCE(st.received_lsn::text, ''),
       st.last_msg_send_time,
       st.last_msg_receipt_time
FROM pg_subscription s
LEFT JOIN pg_stat_subscription st ON s.oid = st.subid AND st.relid IS NULL
ORDER BY s.subname`

// Subscriptions lists subscriptions on a replica, joined with their apply
// worker stats. A subscription names exactly one publication in this
// topology; the first array element is used.
func (c *Catalog) Subscriptions(ctx context.Context, databaseID string) ([]Subscription, error) {
	rows, err := c.q.Query(ctx, databaseID, subscriptionsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var (
			s            Subscription
			publications []string
		)
		if err := rows.Scan(&s.Name, &s.Enabled, &publications, &s.SlotName,
			&s.ReceivedLSN, &s.LastMsgSendTime, &s.LastMsgRecvTime); err != nil {
			return nil, types.NewQueryError("scanning subscriptions on "+databaseID, err)
		}
		if len(publications) > 0 {
			s.PublicationName = publications[0]
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewQueryError("reading subscriptions on "+databaseID, err)
	}
	return subs, nil
}

const walSendersSQL = `
SELECT sr.pid,
       COALESCE(sr.application_name, ''),
       COALESCE(sr.client_addr::text, ''),
       COALESCE(sr.state, ''),
       COALESCE(rs.slot_name, ''),
       COALESCE(sr.sent_lsn::text, ''),
       COALESCE(sr.write_lsn::text, ''),
       COALESCE(sr.flush_lsn::text, ''),
       COALESCE(sr.replay_lsn::text, ''),
       EXTRACT(EPOCH FROM sr.replay_lag)::float8
FROM pg_stat_replication sr
LEFT JOIN pg_replication_slots rs ON rs.active_pid = sr.pid
ORDER BY sr.pid`

// WALSenders lists replication connections on a primary.
func (c *Catalog) WALSenders(ctx context.Context, databaseID string) ([]WALSender, error) {
	rows, err := c.q.Query(ctx, databaseID, walSendersSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var senders []WALSender
	for rows.Next() {
		var w WALSender
		if err := rows.Scan(&w.PID, &w.ApplicationName, &w.ClientAddr, &w.State, &w.SlotName,
			&w.SentLSN, &w.WriteLSN, &w.FlushLSN, &w.ReplayLSN, &w.ReplayLagSeconds); err != nil {
			return nil, types.NewQueryError("scanning wal senders on "+databaseID, err)
		}
		senders = append(senders, w)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewQueryError("reading wal senders on "+databaseID, err)
	}
	return senders, nil
}

const walSenderByPIDSQL = `
SELECT sr.pid,
       COALESCE(sr.application_name, ''),
       COALESCE(sr.client_addr::text, ''),
       COALESCE(sr.state, ''),
       COALESCE(rs.slot_name, ''),
       COALESCE(sr.sent_lsn::text, ''),
       COALESCE(sr.write_lsn::text, ''),
       COALESCE(sr.flush_lsn::text, ''),
       COALESCE(sr.replay_lsn::text, ''),
       EXTRACT(EPOCH FROM sr.replay_lag)::float8
FROM pg_stat_replication sr
LEFT JOIN pg_replication_slots rs ON rs.active_pid = sr.pid
WHERE sr.pid = $1`

// WALSenderByPID fetches one replication connection. Returns nil when the
// sender has disconnected since discovery.
func (c *Catalog) WALSenderByPID(ctx context.Context, databaseID string, pid int) (*WALSender, error) {
	rows, err := c.q.Query(ctx, databaseID, walSenderByPIDSQL, pid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, types.NewQueryError("reading wal sender on "+databaseID, err)
		}
		return nil, nil
	}
	var w WALSender
	if err := rows.Scan(&w.PID, &w.ApplicationName, &w.ClientAddr, &w.State, &w.SlotName,
		&w.SentLSN, &w.WriteLSN, &w.FlushLSN, &w.ReplayLSN, &w.ReplayLagSeconds); err != nil {
		return nil, types.NewQueryError("scanning wal sender on "+databaseID, err)
	}
	return &w, nil
}

const subscriptionEnabledSQL = `
SELECT subenabled
FROM pg_subscription
WHERE subname = $1`

// SubscriptionEnabled reports whether the named subscription still exists and
// is enabled. A dropped subscription reads as not enabled, not as an error.
func (c *Catalog) SubscriptionEnabled(ctx context.Context, databaseID, subscription string) (bool, error) {
	rows, err := c.q.Query(ctx, databaseID, subscriptionEnabledSQL, subscription)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return false, types.NewQueryError("reading subscription state on "+databaseID, err)
		}
		return false, nil
	}
	var enabled bool
	if err := rows.Scan(&enabled); err != nil {
		return false, types.NewQueryError("scanning subscription state on "+databaseID, err)
	}
	return enabled, nil
}

const slotActiveSQL = `
SELECT active
FROM pg_replication_slots
WHERE slot_name = $1`

// SlotActive reports whether the named replication slot still exists and has
// an attached consumer. A dropped slot reads as inactive, not as an error.
func (c *Catalog) SlotActive(ctx context.Context, databaseID, slot string) (bool, error) {
	rows, err := c.q.Query(ctx, databaseID, slotActiveSQL, slot)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return false, types.NewQueryError("reading slot state on "+databaseID, err)
		}
		return false, nil
	}
	var active bool
	if err := rows.Scan(&active); err != nil {
		return false, types.NewQueryError("scanning slot state on "+databaseID, err)
	}
	return active, nil
}

const subscriptionProgressSQL = `
SELECT COALESCE(st.received_lsn::text, ''),
       st.last_msg_send_time,
       st.last_msg_receipt_time,
       COUNT(sr.srrelid)::int AS total_tables,
       COUNT(sr.srrelid) FILTER (WHERE sr.srsubstate IN ('s', 'r'))::int AS synced_tables
FROM pg_subscription s
LEFT JOIN pg_stat_subscription st ON s.oid = st.subid AND st.relid IS NULL
LEFT JOIN pg_subscription_rel sr ON s.oid = sr.srsubid
WHERE s.subname = $1
GROUP BY st.received_lsn, st.last_msg_send_time, st.last_msg_receipt_time`

// SubscriptionProgress fetches sync progress for one subscription. Returns
// nil when the subscription has been dropped since discovery.
func (c *Catalog) SubscriptionProgress(ctx context.Context, databaseID, subscription string) (*SubscriptionProgress, error) {
	rows, err := c.q.Query(ctx, databaseID, subscriptionProgressSQL, subscription)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, types.NewQueryError("reading subscription progress on "+databaseID, err)
		}
		return nil, nil
	}
	var p SubscriptionProgress
	if err := rows.Scan(&p.ReceivedLSN, &p.LastMsgSendTime, &p.LastMsgRecvTime,
		&p.TotalTables, &p.SyncedTables); err != nil {
		return nil, types.NewQueryError("scanning subscription progress on "+databaseID, err)
	}
	return &p, nil
}

const longRunningQueriesSQL = `
SELECT COUNT(*)::int,
       COALESCE(MAX(EXTRACT(EPOCH FROM (now() - query_start)))::float8, 0)
FROM pg_stat_activity
WHERE state IN ('active', 'idle in transaction')
  AND query_start < now() - interval '` + config.SQLLongRunningQueryInterval + `'
  AND pid <> pg_backend_pid()
  AND backend_type = 'client backend'`

// LongRunningQueries counts client sessions that have been active or idle in
// transaction beyond the threshold, excluding the monitoring connection
// itself, and reports the longest duration in seconds.
func (c *Catalog) LongRunningQueries(ctx context.Context, databaseID string) (count int, maxSeconds float64, err error) {
	rows, err := c.q.Query(ctx, databaseID, longRunningQueriesSQL)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, 0, types.NewQueryError("reading activity on "+databaseID, err)
		}
		return 0, 0, nil
	}
	if err := rows.Scan(&count, &maxSeconds); err != nil {
		return 0, 0, types.NewQueryError("scanning activity on "+databaseID, err)
	}
	return count, maxSeconds, nil
}
