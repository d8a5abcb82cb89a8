// Package store provides Redis-backed persistence for monitor configuration
// and discovered state: database descriptors, replication streams, alert
// thresholds, alerts, and notification channels.
//
// Records are keyed by type+id under a common prefix. Discovered streams are
// written with a TTL; an expired stream entry means "not yet discovered",
// never an error.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/repl-mon/internal/config"
	"github.com/pilot-net/repl-mon/pkg/types"
)

const (
	keyPrefix = "replmon:"

	// scanBatchSize is the COUNT hint for SCAN-based key enumeration.
	scanBatchSize = 100

	kindDatabase  = "database"
	kindStream    = "stream"
	kindThreshold = "threshold"
	kindAlert     = "alert"
	kindChannel   = "channel"
)

// Store is the Redis-backed record store.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// New creates a store from a Redis URL and verifies connectivity.
func New(redisURL string, logger *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Store{client: client, logger: logger}, nil
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func key(kind, id string) string {
	return keyPrefix + kind + ":" + id
}

// setJSON marshals v and writes it under kind:id. ttl <= 0 means no expiry.
func (s *Store) setJSON(ctx context.Context, kind, id string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s %s: %w", kind, id, err)
	}
	if err := s.client.Set(ctx, key(kind, id), data, ttl).Err(); err != nil {
		return fmt.Errorf("writing %s %s: %w", kind, id, err)
	}
	return nil
}

// getJSON reads kind:id into v. Returns false on a miss or expired entry.
func (s *Store) getJSON(ctx context.Context, kind, id string, v any) (bool, error) {
	data, err := s.client.Get(ctx, key(kind, id)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshaling %s %s: %w", kind, id, err)
	}
	return true, nil
}

// listKeys enumerates every key of one kind. Uses SCAN rather than KEYS so
// enumeration never blocks the server on a shared instance.
func (s *Store) listKeys(ctx context.Context, kind string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, keyPrefix+kind+":*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s keys: %w", kind, err)
	}
	return keys, nil
}

// listJSON loads every record of one kind, decoding each into a fresh T.
// Entries that vanish between the key scan and the read are skipped.
func listJSON[T any](ctx context.Context, s *Store, kind string) ([]T, error) {
	keys, err := s.listKeys(ctx, kind)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		data, err := s.client.Get(ctx, k).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", k, err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			s.logger.Warn("skipping undecodable record", "key", k, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) delete(ctx context.Context, kind, id string) error {
	if err := s.client.Del(ctx, key(kind, id)).Err(); err != nil {
		return fmt.Errorf("deleting %s %s: %w", kind, id, err)
	}
	return nil
}

// =============================================================================
// DATABASE DESCRIPTORS
// =============================================================================

// SaveDescriptor persists a database descriptor.
func (s *Store) SaveDescriptor(ctx context.Context, d *types.DatabaseDescriptor) error {
	return s.setJSON(ctx, kindDatabase, d.ID, d, 0)
}

// GetDescriptor loads one descriptor. Returns a KindNotFound error on miss.
func (s *Store) GetDescriptor(ctx context.Context, id string) (*types.DatabaseDescriptor, error) {
	var d types.DatabaseDescriptor
	ok, err := s.getJSON(ctx, kindDatabase, id, &d)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewNotFoundError("database descriptor %s not found", id)
	}
	return &d, nil
}

// ListDescriptors loads every registered descriptor.
func (s *Store) ListDescriptors(ctx context.Context) ([]types.DatabaseDescriptor, error) {
	return listJSON[types.DatabaseDescriptor](ctx, s, kindDatabase)
}

// DeleteDescriptor removes one descriptor.
func (s *Store) DeleteDescriptor(ctx context.Context, id string) error {
	return s.delete(ctx, kindDatabase, id)
}

// =============================================================================
// REPLICATION STREAMS
// =============================================================================

// SaveStream caches a discovered stream with the stream TTL.
func (s *Store) SaveStream(ctx context.Context, stream *types.ReplicationStream) error {
	return s.setJSON(ctx, kindStream, stream.ID, stream, config.StreamCacheTTL)
}

// ListStreams loads every cached stream.
func (s *Store) ListStreams(ctx context.Context) ([]types.ReplicationStream, error) {
	return listJSON[types.ReplicationStream](ctx, s, kindStream)
}

// DeleteStream removes one cached stream.
func (s *Store) DeleteStream(ctx context.Context, id string) error {
	return s.delete(ctx, kindStream, id)
}

// =============================================================================
// ALERT THRESHOLDS
// =============================================================================

// SaveThreshold persists a threshold rule.
func (s *Store) SaveThreshold(ctx context.Context, t *types.AlertThreshold) error {
	return s.setJSON(ctx, kindThreshold, t.ID, t, 0)
}

// GetThreshold loads one threshold. Returns a KindNotFound error on miss.
func (s *Store) GetThreshold(ctx context.Context, id string) (*types.AlertThreshold, error) {
	var t types.AlertThreshold
	ok, err := s.getJSON(ctx, kindThreshold, id, &t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewNotFoundError("alert threshold %s not found", id)
	}
	return &t, nil
}

// ListThresholds loads every threshold rule.
func (s *Store) ListThresholds(ctx context.Context) ([]types.AlertThreshold, error) {
	return listJSON[types.AlertThreshold](ctx, s, kindThreshold)
}

// DeleteThreshold removes one threshold rule.
func (s *Store) DeleteThreshold(ctx context.Context, id string) error {
	return s.delete(ctx, kindThreshold, id)
}

// =============================================================================
// ALERTS
// =============================================================================

// SaveAlert persists an alert.
func (s *Store) SaveAlert(ctx context.Context, a *types.Alert) error {
	return s.setJSON(ctx, kindAlert, a.ID, a, 0)
}

// GetAlert loads one alert. Returns a KindNotFound error on miss.
func (s *Store) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	var a types.Alert
	ok, err := s.getJSON(ctx, kindAlert, id, &a)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewNotFoundError("alert %s not found", id)
	}
	return &a, nil
}

// ListAlerts loads every alert, active and historical.
func (s *Store) ListAlerts(ctx context.Context) ([]types.Alert, error) {
	return listJSON[types.Alert](ctx, s, kindAlert)
}

// DeleteAlert removes one alert.
func (s *Store) DeleteAlert(ctx context.Context, id string) error {
	return s.delete(ctx, kindAlert, id)
}

// =============================================================================
// NOTIFICATION CHANNELS
// =============================================================================

// SaveChannel persists a notification channel.
func (s *Store) SaveChannel(ctx context.Context, c *types.NotificationChannel) error {
	return s.setJSON(ctx, kindChannel, c.ID, c, 0)
}

// ListChannels loads every notification channel.
func (s *Store) ListChannels(ctx context.Context) ([]types.NotificationChannel, error) {
	return listJSON[types.NotificationChannel](ctx, s, kindChannel)
}

// DeleteChannel removes one notification channel.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	return s.delete(ctx, kindChannel, id)
}
