package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the narrow read/write surface the chat pipeline uses. Values
// are JSON-serialized; every write sets its expiry atomically with the
// value. Implementations other than the Redis-backed one exist only for
// tests.
type Store interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// SnapshotStore is the Redis-backed Store, sharing the Manager's single
// connection.
type SnapshotStore struct {
	mgr     *Manager
	timeout time.Duration
}

// NewSnapshotStore wraps the connection manager. timeout bounds every
// command round-trip.
func NewSnapshotStore(mgr *Manager, timeout time.Duration) *SnapshotStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &SnapshotStore{mgr: mgr, timeout: timeout}
}

// Get reads and unmarshals the value at key. A missing or expired key
// returns ErrCacheMiss; transport failures map onto ErrCacheUnavailable
// or ErrCacheTimeout.
func (s *SnapshotStore) Get(ctx context.Context, key string, dest interface{}) error {
	client, err := s.mgr.Acquire(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := client.Get(ctx, key).Result()
	if err != nil {
		return Classify(err)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return nil
}

// Set marshals value and writes it with ttl in a single SET, so no window
// exists where the value is stored without an expiry.
func (s *SnapshotStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: refusing write without ttl for %s", key)
	}
	client, err := s.mgr.Acquire(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := client.Set(ctx, key, data, ttl).Err(); err != nil {
		return Classify(err)
	}
	return nil
}
