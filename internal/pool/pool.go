// Package pool maintains one PostgreSQL connection pool per registered
// database, with credential resolution, per-database health-check loops, and
// reactive pool recreation on broken connections.
package pool

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/repl-mon/internal/config"
	"github.com/pilot-net/repl-mon/pkg/types"
)

// Pool is the slice of pgxpool the manager needs. Tests substitute fakes
// through Factory.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Stat() types.PoolStats
	Close()
}

// Factory creates a connected Pool for the given credentials.
type Factory func(ctx context.Context, creds types.DatabaseCredentials, cfg config.PoolConfig) (Pool, error)

// pgxPool adapts *pgxpool.Pool to the Pool interface.
type pgxPool struct {
	inner    *pgxpool.Pool
	minConns int
}

// NewPgxPool is the production Factory. It builds a DSN from the credentials,
// sizes the pool from config, and verifies connectivity with a ping before
// returning.
func NewPgxPool(ctx context.Context, creds types.DatabaseCredentials, cfg config.PoolConfig) (Pool, error) {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(creds.Username, creds.Password),
		Host:   fmt.Sprintf("%s:%d", creds.Host, creds.Port),
		Path:   creds.Database,
	}
	q := u.Query()
	if creds.UseIAMAuth {
		// RDS IAM auth requires TLS.
		q.Set("sslmode", "require")
	} else {
		q.Set("sslmode", "prefer")
	}
	u.RawQuery = q.Encode()

	pc, err := pgxpool.ParseConfig(u.String())
	if err != nil {
		return nil, types.NewConfigurationError("invalid connection config for %s:%d: %v",
			creds.Host, creds.Port, err)
	}
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConns = int32(cfg.MaxConns)
	pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	inner, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, types.NewConnectionError(
			fmt.Sprintf("creating pool for %s:%d", creds.Host, creds.Port), err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := inner.Ping(pingCtx); err != nil {
		inner.Close()
		return nil, types.NewConnectionError(
			fmt.Sprintf("connecting to %s:%d", creds.Host, creds.Port), err)
	}

	return &pgxPool{inner: inner, minConns: cfg.MinConns}, nil
}

func (p *pgxPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.inner.Query(ctx, sql, args...)
}

func (p *pgxPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.inner.QueryRow(ctx, sql, args...)
}

func (p *pgxPool) Ping(ctx context.Context) error {
	return p.inner.Ping(ctx)
}

func (p *pgxPool) Stat() types.PoolStats {
	s := p.inner.Stat()
	return types.PoolStats{
		Size:    int(s.TotalConns()),
		Idle:    int(s.IdleConns()),
		MinSize: p.minConns,
		MaxSize: int(s.MaxConns()),
	}
}

func (p *pgxPool) Close() {
	p.inner.Close()
}

// timedRows ties a query-timeout context to the rows lifetime, so the
// deadline is released when the caller finishes iterating.
type timedRows struct {
	pgx.Rows
	cancel context.CancelFunc
}

func (r *timedRows) Close() {
	r.Rows.Close()
	r.cancel()
}

// timedRow cancels the query-timeout context after Scan.
type timedRow struct {
	row    pgx.Row
	cancel context.CancelFunc
}

func (r *timedRow) Scan(dest ...any) error {
	defer r.cancel()
	return r.row.Scan(dest...)
}
