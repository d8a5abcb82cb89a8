package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pilot-net/repl-mon/internal/config"
	"github.com/pilot-net/repl-mon/internal/secrets"
	"github.com/pilot-net/repl-mon/pkg/types"
)

// AddDatabaseParams describes one database to register. Either inline
// Username/Password or a CredentialRef must be supplied.
type AddDatabaseParams struct {
	ID       string
	Host     string
	Port     int
	Database string

	Username string
	Password string

	CredentialRef string
	UseIAMAuth    bool
}

// entry is the manager's record for one registered database. The pool pointer
// is swapped during recreation under the entry mutex; everything else is
// immutable after registration.
type entry struct {
	id     string
	params AddDatabaseParams

	mu    sync.RWMutex
	pool  Pool
	creds types.DatabaseCredentials

	cancel context.CancelFunc
	done   chan struct{}
}

func (e *entry) currentPool() Pool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool
}

// Manager owns one connection pool per database id. Reads (queries, health,
// stats) take the read lock; add/remove take the write lock; pool recreation
// takes only the per-entry lock so it never blocks reads on other databases.
type Manager struct {
	cfg      config.PoolConfig
	resolver secrets.CredentialResolver
	tokens   secrets.TokenGenerator
	newPool  Factory
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	healthMu sync.RWMutex
	health   map[string]types.ConnectionHealth
}

// Option configures a Manager.
type Option func(*Manager)

// WithPoolFactory replaces the pgx pool factory. Used by tests.
func WithPoolFactory(f Factory) Option {
	return func(m *Manager) { m.newPool = f }
}

// NewManager creates a pool manager. resolver and tokens may be nil when all
// databases are registered with inline credentials.
func NewManager(cfg config.PoolConfig, resolver secrets.CredentialResolver, tokens secrets.TokenGenerator, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		resolver: resolver,
		tokens:   tokens,
		newPool:  NewPgxPool,
		logger:   logger,
		entries:  make(map[string]*entry),
		health:   make(map[string]types.ConnectionHealth),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddDatabase resolves credentials, creates the pool, and starts this
// database's health-check loop. Registration is idempotent: re-adding an
// existing id is a no-op. The operation does not retry on failure; callers
// re-invoke.
func (m *Manager) AddDatabase(ctx context.Context, p AddDatabaseParams) error {
	if p.ID == "" {
		return types.NewConfigurationError("database id is required")
	}

	m.mu.RLock()
	_, exists := m.entries[p.ID]
	m.mu.RUnlock()
	if exists {
		m.logger.Debug("database already registered", "database_id", p.ID)
		return nil
	}

	creds, err := m.resolveCredentials(ctx, p)
	if err != nil {
		return err
	}

	pl, err := m.newPool(ctx, creds, m.cfg)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		id:     p.ID,
		params: p,
		pool:   pl,
		creds:  creds,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if _, raced := m.entries[p.ID]; raced {
		m.mu.Unlock()
		cancel()
		pl.Close()
		return nil
	}
	m.entries[p.ID] = e
	m.mu.Unlock()

	m.setHealth(types.ConnectionHealth{
		DatabaseID: p.ID,
		Healthy:    true,
		LastCheck:  time.Now(),
	})

	go m.healthLoop(loopCtx, e)

	m.logger.Info("database registered",
		"database_id", p.ID,
		"host", creds.Host,
		"port", creds.Port,
		"iam_auth", creds.UseIAMAuth)
	return nil
}

// Register registers a descriptor, mapping it to AddDatabaseParams.
func (m *Manager) Register(ctx context.Context, db types.DatabaseDescriptor) error {
	if err := db.Validate(); err != nil {
		return err
	}
	return m.AddDatabase(ctx, AddDatabaseParams{
		ID:            db.ID,
		Host:          db.Host,
		Port:          db.Port,
		Database:      db.Database,
		CredentialRef: db.CredentialRef,
		UseIAMAuth:    db.UseIAMAuth,
	})
}

// RegisterWithLogin registers a descriptor using an inline login instead of
// a credential reference. Statically configured databases carry their
// username and password in the config file; the descriptor itself never
// stores them.
func (m *Manager) RegisterWithLogin(ctx context.Context, db types.DatabaseDescriptor, username, password string) error {
	if err := db.Validate(); err != nil {
		return err
	}
	return m.AddDatabase(ctx, AddDatabaseParams{
		ID:         db.ID,
		Host:       db.Host,
		Port:       db.Port,
		Database:   db.Database,
		UseIAMAuth: db.UseIAMAuth,
		Username:   username,
		Password:   password,
	})
}

// Registered reports whether the id has a live pool.
func (m *Manager) Registered(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}

// resolveCredentials produces a login from inline params or the credential
// resolver, exchanging the password for an IAM token when requested. A
// resolved secret's endpoint wins over the descriptor's; descriptor fields
// fill any gaps.
func (m *Manager) resolveCredentials(ctx context.Context, p AddDatabaseParams) (types.DatabaseCredentials, error) {
	var creds types.DatabaseCredentials

	switch {
	case p.CredentialRef != "":
		if m.resolver == nil {
			return creds, types.NewConfigurationError(
				"database %s has a credential reference but no resolver is configured", p.ID)
		}
		resolved, err := m.resolver.GetDatabaseCredentials(ctx, p.CredentialRef)
		if err != nil {
			return creds, err
		}
		creds = *resolved
		if creds.Host == "" {
			creds.Host = p.Host
		}
		if creds.Port == 0 {
			creds.Port = p.Port
		}
		if creds.Database == "" {
			creds.Database = p.Database
		}

	case p.Username != "":
		creds = types.DatabaseCredentials{
			Host:     p.Host,
			Port:     p.Port,
			Database: p.Database,
			Username: p.Username,
			Password: p.Password,
		}

	default:
		return creds, types.NewConfigurationError(
			"database %s: neither credentials nor a credential reference supplied", p.ID)
	}

	if p.UseIAMAuth {
		if m.tokens == nil {
			return creds, types.NewConfigurationError(
				"database %s requests IAM auth but no token generator is configured", p.ID)
		}
		token, err := m.tokens.GenerateAuthToken(ctx, creds.Host, creds.Port, creds.Username)
		if err != nil {
			return creds, err
		}
		creds.Password = token
		creds.UseIAMAuth = true
	}

	return creds, nil
}

// Query runs sql on the named database under the configured query timeout.
// The timeout stays armed until the returned rows are closed.
func (m *Manager) Query(ctx context.Context, id, sql string, args ...any) (pgx.Rows, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	rows, err := e.currentPool().Query(qctx, sql, args...)
	if err != nil {
		cancel()
		return nil, types.NewQueryError("query on "+id, err)
	}
	return &timedRows{Rows: rows, cancel: cancel}, nil
}

// QueryRow runs a single-row query on the named database. Errors surface
// from Scan, per pgx convention.
func (m *Manager) QueryRow(ctx context.Context, id, sql string, args ...any) (pgx.Row, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	return &timedRow{row: e.currentPool().QueryRow(qctx, sql, args...), cancel: cancel}, nil
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, types.NewNotFoundError("database %s is not registered", id)
	}
	return e, nil
}

// GetHealth returns the cached health record for one database. It never
// triggers a live probe.
func (m *Manager) GetHealth(id string) (types.ConnectionHealth, error) {
	m.healthMu.RLock()
	defer m.healthMu.RUnlock()
	h, ok := m.health[id]
	if !ok {
		return types.ConnectionHealth{}, types.NewNotFoundError("database %s is not registered", id)
	}
	return h, nil
}

// AllHealth returns a copy of every cached health record.
func (m *Manager) AllHealth() map[string]types.ConnectionHealth {
	m.healthMu.RLock()
	defer m.healthMu.RUnlock()
	out := make(map[string]types.ConnectionHealth, len(m.health))
	for id, h := range m.health {
		out[id] = h
	}
	return out
}

func (m *Manager) setHealth(h types.ConnectionHealth) {
	m.healthMu.Lock()
	m.health[h.DatabaseID] = h
	m.healthMu.Unlock()
}

// PoolStats returns a snapshot of the named pool.
func (m *Manager) PoolStats(id string) (types.PoolStats, error) {
	e, err := m.entry(id)
	if err != nil {
		return types.PoolStats{}, err
	}
	s := e.currentPool().Stat()
	s.DatabaseID = id
	return s, nil
}

// AllPoolStats returns snapshots for every registered pool.
func (m *Manager) AllPoolStats() map[string]types.PoolStats {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make(map[string]types.PoolStats, len(entries))
	for _, e := range entries {
		s := e.currentPool().Stat()
		s.DatabaseID = e.id
		out[e.id] = s
	}
	return out
}

// RemoveDatabase cancels the health loop, waits for it to finish, closes the
// pool, and discards cached credentials and health.
func (m *Manager) RemoveDatabase(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return types.NewNotFoundError("database %s is not registered", id)
	}

	m.teardown(ctx, e)

	m.healthMu.Lock()
	delete(m.health, id)
	m.healthMu.Unlock()

	m.logger.Info("database removed", "database_id", id)
	return nil
}

// CloseAll tears down every registered database. Loops are cancelled and
// awaited in parallel, bounded by ctx.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			m.teardown(ctx, e)
		}(e)
	}
	wg.Wait()

	m.healthMu.Lock()
	m.health = make(map[string]types.ConnectionHealth)
	m.healthMu.Unlock()

	m.logger.Info("all database pools closed", "count", len(entries))
}

// teardown stops the health loop and closes the pool once the loop has
// drained, or after the shutdown bound, whichever comes first.
func (m *Manager) teardown(ctx context.Context, e *entry) {
	e.cancel()
	select {
	case <-e.done:
	case <-ctx.Done():
	case <-time.After(config.ShutdownTimeout):
		m.logger.Warn("health loop did not stop in time", "database_id", e.id)
	}
	e.currentPool().Close()
}
