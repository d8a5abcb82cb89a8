package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pilot-net/repl-mon/internal/config"
	"github.com/pilot-net/repl-mon/pkg/types"
)

// testLogger returns a logger that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MinConns:            1,
		MaxConns:            2,
		ConnectTimeout:      time.Second,
		QueryTimeout:        time.Second,
		HealthCheckInterval: 10 * time.Millisecond,
		HealthCheckTimeout:  5 * time.Millisecond,
	}
}

// fakeRow implements pgx.Row with a canned scan.
type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakePool implements Pool for tests. When failErr is set, every query
// returns it.
type fakePool struct {
	mu      sync.Mutex
	failErr error
	closed  bool
	queries int
}

func (p *fakePool) setFailure(err error) {
	p.mu.Lock()
	p.failErr = err
	p.mu.Unlock()
}

func (p *fakePool) queryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries
}

func (p *fakePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	p.mu.Lock()
	p.queries++
	err := p.failErr
	p.mu.Unlock()

	if err != nil {
		return fakeRow{scan: func(...any) error { return err }}
	}
	return fakeRow{scan: func(dest ...any) error {
		if len(dest) == 0 {
			return nil
		}
		switch d := dest[0].(type) {
		case *int:
			*d = 1
		case *string:
			*d = "PostgreSQL 15.4 on x86_64-pc-linux-gnu"
		}
		return nil
	}}
}

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.mu.Lock()
	p.queries++
	err := p.failErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return nil, errors.New("fakePool does not implement row sets")
}

func (p *fakePool) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failErr
}

func (p *fakePool) Stat() types.PoolStats {
	return types.PoolStats{Size: 1, Idle: 1, MinSize: 1, MaxSize: 2}
}

func (p *fakePool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// fakeFactory hands out fakePools and records every creation.
type fakeFactory struct {
	mu      sync.Mutex
	pools   map[string][]*fakePool // keyed by credentials host
	failFor map[string]error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		pools:   make(map[string][]*fakePool),
		failFor: make(map[string]error),
	}
}

func (f *fakeFactory) create(ctx context.Context, creds types.DatabaseCredentials, cfg config.PoolConfig) (Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[creds.Host]; ok {
		return nil, err
	}
	p := &fakePool{}
	f.pools[creds.Host] = append(f.pools[creds.Host], p)
	return p, nil
}

func (f *fakeFactory) created(host string) []*fakePool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePool(nil), f.pools[host]...)
}

// fakeResolver maps references to logins.
type fakeResolver struct {
	mu          sync.Mutex
	creds       map[string]types.DatabaseCredentials
	invalidated []string
}

func (r *fakeResolver) GetDatabaseCredentials(ctx context.Context, ref string) (*types.DatabaseCredentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[ref]
	if !ok {
		return nil, types.NewNotFoundError("secret %s not found", ref)
	}
	return &c, nil
}

func (r *fakeResolver) Invalidate(ref string) {
	r.mu.Lock()
	r.invalidated = append(r.invalidated, ref)
	r.mu.Unlock()
}

func (r *fakeResolver) Close() error { return nil }

// fakeTokens counts token generations.
type fakeTokens struct {
	mu    sync.Mutex
	calls int
}

func (t *fakeTokens) GenerateAuthToken(ctx context.Context, host string, port int, username string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	return "iam-token", nil
}

func (t *fakeTokens) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func inlineParams(id, host string) AddDatabaseParams {
	return AddDatabaseParams{
		ID:       id,
		Host:     host,
		Port:     5432,
		Database: "app",
		Username: "monitor",
		Password: "secret",
	}
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestAddDatabaseRequiresCredentials(t *testing.T) {
	m := NewManager(testPoolConfig(), nil, nil, testLogger(), WithPoolFactory(newFakeFactory().create))
	defer m.CloseAll(context.Background())

	err := m.AddDatabase(context.Background(), AddDatabaseParams{
		ID: "db-a", Host: "a.internal", Port: 5432, Database: "app",
	})
	if !types.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRegisterWithLoginUsesInlineCredentials(t *testing.T) {
	// A descriptor carries no login; statically configured databases hand
	// their config-file username and password straight to the pool.
	f := newFakeFactory()
	m := NewManager(testPoolConfig(), nil, nil, testLogger(), WithPoolFactory(f.create))
	defer m.CloseAll(context.Background())

	desc := types.DatabaseDescriptor{
		ID: "db-a", Name: "db-a", Host: "a.internal", Port: 5432,
		Database: "app", Role: types.RolePrimary,
	}
	if err := m.RegisterWithLogin(context.Background(), desc, "monitor", "s3cret"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !m.Registered("db-a") {
		t.Fatal("db-a not registered")
	}
	if got := len(f.created("a.internal")); got != 1 {
		t.Fatalf("expected 1 pool, factory created %d", got)
	}

	// The same descriptor without the inline login must be rejected, since
	// it has neither credentials nor a credential reference.
	if err := m.Register(context.Background(), types.DatabaseDescriptor{
		ID: "db-b", Name: "db-b", Host: "b.internal", Port: 5432,
		Database: "app", Role: types.RolePrimary,
	}); !types.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestAddDatabaseConnectionFailure(t *testing.T) {
	f := newFakeFactory()
	f.failFor["a.internal"] = types.NewConnectionError("connecting to a.internal:5432", errors.New("refused"))

	m := NewManager(testPoolConfig(), nil, nil, testLogger(), WithPoolFactory(f.create))
	defer m.CloseAll(context.Background())

	err := m.AddDatabase(context.Background(), inlineParams("db-a", "a.internal"))
	if !types.IsConnectionError(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if m.Registered("db-a") {
		t.Error("failed registration should not leave the database registered")
	}
}

func TestAddDatabaseIdempotent(t *testing.T) {
	f := newFakeFactory()
	m := NewManager(testPoolConfig(), nil, nil, testLogger(), WithPoolFactory(f.create))
	defer m.CloseAll(context.Background())

	if err := m.AddDatabase(context.Background(), inlineParams("db-a", "a.internal")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := m.AddDatabase(context.Background(), inlineParams("db-a", "a.internal")); err != nil {
		t.Fatalf("second add: %v", err)
	}
	if got := len(f.created("a.internal")); got != 1 {
		t.Errorf("expected 1 pool, factory created %d", got)
	}
}

func TestQueryUnknownDatabase(t *testing.T) {
	m := NewManager(testPoolConfig(), nil, nil, testLogger(), WithPoolFactory(newFakeFactory().create))
	defer m.CloseAll(context.Background())

	_, err := m.Query(context.Background(), "nope", "SELECT 1")
	if !types.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestQueryWrapsDriverError(t *testing.T) {
	f := newFakeFactory()
	m := NewManager(testPoolConfig(), nil, nil, testLogger(), WithPoolFactory(f.create))
	defer m.CloseAll(context.Background())

	if err := m.AddDatabase(context.Background(), inlineParams("db-a", "a.internal")); err != nil {
		t.Fatalf("add: %v", err)
	}
	f.created("a.internal")[0].setFailure(errors.New(`syntax error at or near "SLECT"`))

	_, err := m.Query(context.Background(), "db-a", "SLECT 1")
	if !types.IsQueryError(err) {
		t.Fatalf("expected query error, got %v", err)
	}
}

func TestHealthIsolation(t *testing.T) {
	// A failing database must not stall health checks on a healthy one.
	f := newFakeFactory()
	m := NewManager(testPoolConfig(), nil, nil, testLogger(), WithPoolFactory(f.create))
	defer m.CloseAll(context.Background())

	if err := m.AddDatabase(context.Background(), inlineParams("db-a", "a.internal")); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := m.AddDatabase(context.Background(), inlineParams("db-b", "b.internal")); err != nil {
		t.Fatalf("add b: %v", err)
	}

	// Break A with a non-connection error so no recreation kicks in.
	f.created("a.internal")[0].setFailure(errors.New("permission denied for relation"))

	if !waitFor(t, time.Second, func() bool {
		h, err := m.GetHealth("db-a")
		return err == nil && !h.Healthy
	}) {
		t.Fatal("db-a never reported unhealthy")
	}

	before, err := m.GetHealth("db-b")
	if err != nil {
		t.Fatalf("health b: %v", err)
	}
	if !waitFor(t, time.Second, func() bool {
		h, err := m.GetHealth("db-b")
		return err == nil && h.Healthy && h.LastCheck.After(before.LastCheck)
	}) {
		t.Fatal("db-b health checks stopped advancing while db-a was failing")
	}
}

func TestHealthRecordsServerVersion(t *testing.T) {
	f := newFakeFactory()
	m := NewManager(testPoolConfig(), nil, nil, testLogger(), WithPoolFactory(f.create))
	defer m.CloseAll(context.Background())

	if err := m.AddDatabase(context.Background(), inlineParams("db-a", "a.internal")); err != nil {
		t.Fatalf("add: %v", err)
	}

	if !waitFor(t, time.Second, func() bool {
		h, err := m.GetHealth("db-a")
		return err == nil && h.ServerVersion == "15.4"
	}) {
		h, _ := m.GetHealth("db-a")
		t.Fatalf("expected server version 15.4, got %q", h.ServerVersion)
	}
}

func TestRecreateOnBrokenConnection(t *testing.T) {
	f := newFakeFactory()
	m := NewManager(testPoolConfig(), nil, nil, testLogger(), WithPoolFactory(f.create))
	defer m.CloseAll(context.Background())

	if err := m.AddDatabase(context.Background(), inlineParams("db-a", "a.internal")); err != nil {
		t.Fatalf("add: %v", err)
	}
	first := f.created("a.internal")[0]
	first.setFailure(errors.New("server closed the connection unexpectedly"))

	if !waitFor(t, time.Second, func() bool {
		return len(f.created("a.internal")) >= 2
	}) {
		t.Fatal("broken connection never triggered pool recreation")
	}
	if !waitFor(t, time.Second, func() bool { return first.isClosed() }) {
		t.Error("old pool was not closed after recreation")
	}

	// Replacement pool is healthy, so health should recover.
	if !waitFor(t, time.Second, func() bool {
		h, err := m.GetHealth("db-a")
		return err == nil && h.Healthy
	}) {
		t.Fatal("health did not recover after recreation")
	}
}

func TestNoRecreateOnQueryError(t *testing.T) {
	f := newFakeFactory()
	m := NewManager(testPoolConfig(), nil, nil, testLogger(), WithPoolFactory(f.create))
	defer m.CloseAll(context.Background())

	if err := m.AddDatabase(context.Background(), inlineParams("db-a", "a.internal")); err != nil {
		t.Fatalf("add: %v", err)
	}
	f.created("a.internal")[0].setFailure(errors.New("permission denied for relation"))

	if !waitFor(t, time.Second, func() bool {
		h, err := m.GetHealth("db-a")
		return err == nil && !h.Healthy
	}) {
		t.Fatal("db-a never reported unhealthy")
	}

	// Give the loop a few more ticks; no new pool should appear.
	time.Sleep(50 * time.Millisecond)
	if got := len(f.created("a.internal")); got != 1 {
		t.Errorf("non-connection error should not recreate the pool, got %d pools", got)
	}
}

func TestIAMTokenRefreshOnRecreate(t *testing.T) {
	f := newFakeFactory()
	resolver := &fakeResolver{creds: map[string]types.DatabaseCredentials{
		"arn:secret:prod": {Host: "prod.rds", Port: 5432, Database: "app", Username: "iam_user"},
	}}
	tokens := &fakeTokens{}

	m := NewManager(testPoolConfig(), resolver, tokens, testLogger(), WithPoolFactory(f.create))
	defer m.CloseAll(context.Background())

	err := m.AddDatabase(context.Background(), AddDatabaseParams{
		ID: "db-a", CredentialRef: "arn:secret:prod", UseIAMAuth: true,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if tokens.callCount() != 1 {
		t.Fatalf("expected 1 token generation at registration, got %d", tokens.callCount())
	}

	f.created("prod.rds")[0].setFailure(errors.New("connection reset by peer"))

	if !waitFor(t, time.Second, func() bool { return tokens.callCount() >= 2 }) {
		t.Fatal("recreation did not refresh the IAM token")
	}

	resolver.mu.Lock()
	invalidated := len(resolver.invalidated)
	resolver.mu.Unlock()
	if invalidated == 0 {
		t.Error("recreation should invalidate the cached credentials")
	}
}

func TestRemoveDatabase(t *testing.T) {
	f := newFakeFactory()
	m := NewManager(testPoolConfig(), nil, nil, testLogger(), WithPoolFactory(f.create))
	defer m.CloseAll(context.Background())

	if err := m.AddDatabase(context.Background(), inlineParams("db-a", "a.internal")); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := m.RemoveDatabase(context.Background(), "db-a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if m.Registered("db-a") {
		t.Error("db-a still registered after removal")
	}
	if !f.created("a.internal")[0].isClosed() {
		t.Error("pool not closed after removal")
	}
	if _, err := m.GetHealth("db-a"); !types.IsNotFound(err) {
		t.Errorf("expected not-found health after removal, got %v", err)
	}
	if err := m.RemoveDatabase(context.Background(), "db-a"); !types.IsNotFound(err) {
		t.Errorf("expected not-found on double removal, got %v", err)
	}
}

func TestCloseAll(t *testing.T) {
	f := newFakeFactory()
	m := NewManager(testPoolConfig(), nil, nil, testLogger(), WithPoolFactory(f.create))

	for _, id := range []string{"db-a", "db-b", "db-c"} {
		if err := m.AddDatabase(context.Background(), inlineParams(id, id+".internal")); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	m.CloseAll(context.Background())

	for _, id := range []string{"db-a", "db-b", "db-c"} {
		if m.Registered(id) {
			t.Errorf("%s still registered after CloseAll", id)
		}
		if !f.created(id + ".internal")[0].isClosed() {
			t.Errorf("%s pool not closed after CloseAll", id)
		}
	}
	if len(m.AllHealth()) != 0 {
		t.Error("health map not cleared after CloseAll")
	}
}

func TestPoolStats(t *testing.T) {
	f := newFakeFactory()
	m := NewManager(testPoolConfig(), nil, nil, testLogger(), WithPoolFactory(f.create))
	defer m.CloseAll(context.Background())

	if err := m.AddDatabase(context.Background(), inlineParams("db-a", "a.internal")); err != nil {
		t.Fatalf("add: %v", err)
	}

	s, err := m.PoolStats("db-a")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.DatabaseID != "db-a" || s.MaxSize != 2 {
		t.Errorf("unexpected stats: %+v", s)
	}

	all := m.AllPoolStats()
	if len(all) != 1 {
		t.Errorf("expected 1 stats entry, got %d", len(all))
	}
	if _, err := m.PoolStats("nope"); !types.IsNotFound(err) {
		t.Errorf("expected not-found for unknown id, got %v", err)
	}
}
