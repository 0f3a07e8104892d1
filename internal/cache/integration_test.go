package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/studiora/mentorcore/config"
)

func startRedis(t *testing.T) config.CacheConfig {
	t.Helper()
	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	t.Cleanup(func() { _ = redisC.Terminate(ctx) })

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	return config.CacheConfig{
		Host:           host,
		Port:           port.Port(),
		DialTimeout:    5 * time.Second,
		CommandTimeout: 2 * time.Second,
		TTL:            testTTLs(),
	}
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	cfg := startRedis(t)

	mgr := NewManager(cfg, nil)
	defer func() { _ = mgr.Shutdown() }()
	store := NewSnapshotStore(mgr, cfg.CommandTimeout)

	type snapshot struct {
		Value string `json:"value"`
	}

	if err := store.Set(ctx, "conversation:u1:proj", snapshot{Value: "hello"}, time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got snapshot
	if err := store.Get(ctx, "conversation:u1:proj", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != "hello" {
		t.Errorf("value = %q, want hello", got.Value)
	}

	// The entry carries its expiry from the single SET.
	time.Sleep(1500 * time.Millisecond)
	if err := store.Get(ctx, "conversation:u1:proj", &got); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("after ttl: err = %v, want ErrCacheMiss", err)
	}
}

func TestSnapshotStoreRejectsWriteWithoutTTL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	cfg := startRedis(t)
	mgr := NewManager(cfg, nil)
	defer func() { _ = mgr.Shutdown() }()
	store := NewSnapshotStore(mgr, cfg.CommandTimeout)

	if err := store.Set(context.Background(), "user_data:u1", "x", 0); err == nil {
		t.Error("expected error writing without a ttl")
	}
}

func TestManagerReadyAndShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	cfg := startRedis(t)

	mgr := NewManager(cfg, nil)
	if mgr.IsReady(ctx) {
		t.Error("ready before first acquire")
	}
	if _, err := mgr.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mgr.IsReady(ctx) {
		t.Error("not ready after acquire")
	}
	if err := mgr.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if mgr.IsReady(ctx) {
		t.Error("ready after shutdown")
	}
	if _, err := mgr.Acquire(ctx); err != nil {
		t.Fatalf("re-acquire after shutdown: %v", err)
	}
	if !mgr.IsReady(ctx) {
		t.Error("not ready after re-acquire")
	}
}
