package pool

import (
	"context"
	"strings"
	"time"

	"github.com/pilot-net/repl-mon/pkg/types"
)

// healthLoop probes one database on a fixed interval until cancelled. Ticks
// for the same database are strictly sequential; a failure inside a tick only
// updates cached health and never escapes the loop.
func (m *Manager) healthLoop(ctx context.Context, e *entry) {
	defer close(e.done)

	m.checkDatabase(ctx, e)

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("health loop stopped", "database_id", e.id)
			return
		case <-ticker.C:
			m.checkDatabase(ctx, e)
		}
	}
}

// checkDatabase runs one probe: SELECT 1 plus SELECT version(). On success it
// records response time and server version; on a broken-connection failure it
// attempts exactly one pool recreation before the next tick.
func (m *Manager) checkDatabase(ctx context.Context, e *entry) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()

	pl := e.currentPool()
	start := time.Now()

	var one int
	err := pl.QueryRow(cctx, "SELECT 1").Scan(&one)
	if err == nil {
		var version string
		err = pl.QueryRow(cctx, "SELECT version()").Scan(&version)
		if err == nil {
			m.setHealth(types.ConnectionHealth{
				DatabaseID:     e.id,
				Healthy:        true,
				LastCheck:      time.Now(),
				ResponseTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
				ServerVersion:  parseServerVersion(version),
			})
			return
		}
	}

	// Shutdown racing the probe is not a health event.
	if ctx.Err() != nil {
		return
	}

	m.setHealth(types.ConnectionHealth{
		DatabaseID: e.id,
		Healthy:    false,
		LastCheck:  time.Now(),
		Error:      err.Error(),
	})
	m.logger.Warn("health check failed",
		"database_id", e.id,
		"error", err)

	if isBrokenConnection(err) {
		if rerr := m.recreatePool(ctx, e); rerr != nil {
			m.logger.Error("pool recreation failed",
				"database_id", e.id,
				"error", rerr)
		}
	}
}

// recreatePool closes the broken pool and builds a fresh one from
// re-resolved credentials, refreshing the IAM token if the database uses it.
// The swap happens under the entry lock so in-flight reads on other
// databases are unaffected.
func (m *Manager) recreatePool(ctx context.Context, e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if inv, ok := m.resolver.(interface{ Invalidate(string) }); ok && e.params.CredentialRef != "" {
		inv.Invalidate(e.params.CredentialRef)
	}

	creds, err := m.resolveCredentials(ctx, e.params)
	if err != nil {
		return err
	}

	fresh, err := m.newPool(ctx, creds, m.cfg)
	if err != nil {
		return err
	}

	e.pool.Close()
	e.pool = fresh
	e.creds = creds

	m.logger.Info("pool recreated", "database_id", e.id, "iam_auth", creds.UseIAMAuth)
	return nil
}

// isBrokenConnection reports whether the error text indicates a dead or
// closed connection that a pool rebuild could fix.
func isBrokenConnection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection") || strings.Contains(msg, "closed")
}

// parseServerVersion extracts the version number from a SELECT version()
// result like "PostgreSQL 15.4 on x86_64-pc-linux-gnu, ...".
func parseServerVersion(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) >= 2 && fields[0] == "PostgreSQL" {
		return fields[1]
	}
	return raw
}
