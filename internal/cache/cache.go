package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/studiora/mentorcore/config"
)

var (
	// ErrCacheMiss reports that a key is absent (or expired).
	ErrCacheMiss = errors.New("cache: miss")
	// ErrCacheUnavailable reports that the cache cannot serve commands.
	ErrCacheUnavailable = errors.New("cache: unavailable")
	// ErrCacheTimeout reports that a command exceeded its deadline.
	ErrCacheTimeout = errors.New("cache: command timed out")
)

// Manager owns the single long-lived Redis connection shared by all
// components. The connection is established lazily on first Acquire;
// concurrent racers share one in-flight dial.
type Manager struct {
	cfg    config.CacheConfig
	logger *log.Logger

	mu     sync.Mutex
	client *redis.Client
	sf     singleflight.Group

	// dial is swapped out in tests.
	dial func(ctx context.Context) (*redis.Client, error)
}

// NewManager creates a connection manager. No connection is made until
// Acquire is called.
func NewManager(cfg config.CacheConfig, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	m := &Manager{cfg: cfg, logger: logger}
	m.dial = m.connect
	return m
}

func (m *Manager) connect(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         m.cfg.Addr(),
		Password:     m.cfg.Password,
		DB:           m.cfg.DB,
		DialTimeout:  m.cfg.DialTimeout,
		ReadTimeout:  m.cfg.CommandTimeout,
		WriteTimeout: m.cfg.CommandTimeout,
		MaxRetries:   m.cfg.MaxRetries,
	})

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if pong != "PONG" {
		_ = client.Close()
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

// Acquire returns the shared connection, establishing it on first use.
// At most one connection attempt is in flight at a time; callers racing
// the first use receive the same resolved client.
func (m *Manager) Acquire(ctx context.Context) (*redis.Client, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client != nil {
		return client, nil
	}

	v, err, _ := m.sf.Do("connect", func() (interface{}, error) {
		m.mu.Lock()
		if m.client != nil {
			c := m.client
			m.mu.Unlock()
			return c, nil
		}
		m.mu.Unlock()

		c, err := m.dial(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.client = c
		m.mu.Unlock()
		m.logger.Printf("connected to %s (db %d)", m.cfg.Addr(), m.cfg.DB)
		return c, nil
	})
	if err != nil {
		m.logger.Printf("connect failed: %v", err)
		return nil, Classify(err)
	}
	return v.(*redis.Client), nil
}

// IsReady reports whether the connection can currently serve commands.
func (m *Manager) IsReady(ctx context.Context) bool {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return false
	}
	return client.Ping(ctx).Err() == nil
}

// Shutdown closes the connection. A later Acquire re-establishes a fresh
// one rather than returning the stale handle.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// Classify maps transport errors onto the cache error taxonomy. Callers
// treat ErrCacheUnavailable and ErrCacheTimeout as miss-equivalents and
// fall through to recomputation.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrCacheTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrCacheTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
}

// Degraded reports whether err is one of the transient cache errors a
// caller should absorb by recomputing without the cache.
func Degraded(err error) bool {
	return errors.Is(err, ErrCacheMiss) ||
		errors.Is(err, ErrCacheUnavailable) ||
		errors.Is(err, ErrCacheTimeout)
}
