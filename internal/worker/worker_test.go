package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/repl-mon/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type countingCycler struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCycler) RunMonitoringCycle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func (c *countingCycler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestMonitorWorkerRunsImmediatelyAndOnTicks(t *testing.T) {
	cycler := &countingCycler{}
	w := NewMonitorWorker(cycler, MonitorWorkerConfig{Interval: 10 * time.Millisecond}, testLogger())

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return cycler.count() >= 2 })
}

func TestMonitorWorkerStops(t *testing.T) {
	cycler := &countingCycler{}
	w := NewMonitorWorker(cycler, MonitorWorkerConfig{Interval: 10 * time.Millisecond}, testLogger())

	w.Start(context.Background())
	waitFor(t, time.Second, func() bool { return cycler.count() >= 1 })
	w.Stop()

	stopped := cycler.count()
	time.Sleep(50 * time.Millisecond)
	// A straggling in-flight cycle may still land, but the loop must be gone.
	if cycler.count() > stopped+1 {
		t.Fatalf("cycles after stop: %d -> %d", stopped, cycler.count())
	}
}

type fakeDiscoverer struct {
	streams []types.ReplicationStream
}

func (f *fakeDiscoverer) DiscoverLogical(ctx context.Context, dbs []types.DatabaseDescriptor) ([]types.ReplicationStream, []string) {
	return f.streams, nil
}

func (f *fakeDiscoverer) DiscoverPhysical(ctx context.Context, dbs []types.DatabaseDescriptor) ([]types.ReplicationStream, []string) {
	return nil, nil
}

type fakeDiscoveryStore struct {
	mu          sync.Mutex
	descriptors []types.DatabaseDescriptor
	saved       []types.ReplicationStream
}

func (s *fakeDiscoveryStore) ListDescriptors(ctx context.Context) ([]types.DatabaseDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descriptors, nil
}

func (s *fakeDiscoveryStore) SaveStream(ctx context.Context, stream *types.ReplicationStream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, *stream)
	return nil
}

func (s *fakeDiscoveryStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func TestDiscoveryWorkerCachesStreams(t *testing.T) {
	store := &fakeDiscoveryStore{
		descriptors: []types.DatabaseDescriptor{{ID: "db-p"}},
	}
	engine := &fakeDiscoverer{streams: []types.ReplicationStream{
		{ID: "stream-1", Type: types.StreamTypeLogical},
		{ID: "stream-2", Type: types.StreamTypeLogical},
	}}
	w := NewDiscoveryWorker(engine, store, DiscoveryWorkerConfig{Interval: time.Hour}, testLogger())

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return store.savedCount() == 2 })
}

func TestDiscoveryWorkerSkipsWithoutDatabases(t *testing.T) {
	store := &fakeDiscoveryStore{}
	engine := &fakeDiscoverer{streams: []types.ReplicationStream{{ID: "stream-1"}}}
	w := NewDiscoveryWorker(engine, store, DiscoveryWorkerConfig{Interval: 10 * time.Millisecond}, testLogger())

	w.Start(context.Background())
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	if store.savedCount() != 0 {
		t.Fatalf("streams cached without configured databases: %d", store.savedCount())
	}
}

type countingCleaner struct {
	mu        sync.Mutex
	calls     int
	retention time.Duration
}

func (c *countingCleaner) CleanupResolvedAlerts(ctx context.Context, retention time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.retention = retention
	return 1, nil
}

func TestCleanupWorkerPassesRetention(t *testing.T) {
	cleaner := &countingCleaner{}
	cfg := CleanupWorkerConfig{Interval: time.Hour, Retention: 24 * time.Hour}
	w := NewCleanupWorker(cleaner, cfg, testLogger())

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, time.Second, func() bool {
		cleaner.mu.Lock()
		defer cleaner.mu.Unlock()
		return cleaner.calls >= 1
	})
	cleaner.mu.Lock()
	defer cleaner.mu.Unlock()
	if cleaner.retention != 24*time.Hour {
		t.Fatalf("retention = %v, want 24h", cleaner.retention)
	}
}

type fakeHealthChecker struct {
	mu      sync.Mutex
	healthy map[string]bool
	errFor  map[string]error
}

func (f *fakeHealthChecker) CheckStreamHealth(ctx context.Context, stream types.ReplicationStream) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor[stream.ID]; err != nil {
		return false, err
	}
	return f.healthy[stream.ID], nil
}

type fakeStreamStore struct {
	mu      sync.Mutex
	streams []types.ReplicationStream
	saved   []types.ReplicationStream
}

func (s *fakeStreamStore) ListStreams(ctx context.Context) ([]types.ReplicationStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams, nil
}

func (s *fakeStreamStore) SaveStream(ctx context.Context, stream *types.ReplicationStream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, *stream)
	return nil
}

func (s *fakeStreamStore) savedStreams() []types.ReplicationStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ReplicationStream, len(s.saved))
	copy(out, s.saved)
	return out
}

func TestStreamHealthWorkerMarksUnhealthyInactive(t *testing.T) {
	store := &fakeStreamStore{streams: []types.ReplicationStream{
		{ID: "good", Type: types.StreamTypeLogical, Status: types.StreamStatusActive},
		{ID: "bad", Type: types.StreamTypeLogical, Status: types.StreamStatusActive},
	}}
	checker := &fakeHealthChecker{healthy: map[string]bool{"good": true, "bad": false}}
	w := NewStreamHealthWorker(checker, store, StreamHealthWorkerConfig{Interval: time.Hour}, testLogger())

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return len(store.savedStreams()) == 1 })
	saved := store.savedStreams()
	if saved[0].ID != "bad" {
		t.Fatalf("expected the unhealthy stream to be re-cached, got %s", saved[0].ID)
	}
	if saved[0].Status != types.StreamStatusInactive {
		t.Errorf("status = %s, want inactive", saved[0].Status)
	}
}

func TestStreamHealthWorkerRecordsCheckErrors(t *testing.T) {
	store := &fakeStreamStore{streams: []types.ReplicationStream{
		{ID: "flaky", Type: types.StreamTypePhysical, Status: types.StreamStatusActive},
	}}
	checker := &fakeHealthChecker{
		healthy: map[string]bool{},
		errFor:  map[string]error{"flaky": types.NewConnectionError("checking slot", nil)},
	}
	w := NewStreamHealthWorker(checker, store, StreamHealthWorkerConfig{Interval: time.Hour}, testLogger())

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return len(store.savedStreams()) == 1 })
	saved := store.savedStreams()[0]
	if saved.Status != types.StreamStatusError {
		t.Errorf("status = %s, want error", saved.Status)
	}
	if saved.Error == "" {
		t.Error("expected the check error to be recorded on the stream")
	}
}

func TestStreamHealthWorkerSkipsAlreadyInactive(t *testing.T) {
	// An unhealthy stream already marked inactive should not be re-saved
	// every pass.
	store := &fakeStreamStore{streams: []types.ReplicationStream{
		{ID: "bad", Type: types.StreamTypeLogical, Status: types.StreamStatusInactive},
	}}
	checker := &fakeHealthChecker{healthy: map[string]bool{"bad": false}}
	w := NewStreamHealthWorker(checker, store, StreamHealthWorkerConfig{Interval: 10 * time.Millisecond}, testLogger())

	w.Start(context.Background())
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	if n := len(store.savedStreams()); n != 0 {
		t.Fatalf("unchanged stream re-saved %d times", n)
	}
}
