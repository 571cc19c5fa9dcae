// Package store is the application-facing cache API.
//
// It wraps the cache engine with TTL defaulting and write replication:
// every successful local mutation on a replicated table is handed to
// the broadcaster after it has committed locally.
package store

import (
	"log/slog"
	"time"

	"github.com/authmesh/authmesh-go/internal/cache"
)

// NoExpiry requests an entry that never expires. Passing a ttl of zero
// applies the store's default TTL instead.
const NoExpiry = -1 * time.Nanosecond

// DefaultTTL is used when the configuration does not set one.
const DefaultTTL = 15 * time.Minute

// Broadcaster fans a committed operation out to peers. Implemented by
// the cluster replication channel; a no-op stand-in serves single-node
// deployments and tests.
type Broadcaster interface {
	Broadcast(table string, op cache.Op)
}

// NopBroadcaster discards all operations.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(string, cache.Op) {}

// Store is the cache API handed to the HTTP layer.
type Store struct {
	engine      *cache.Engine
	broadcaster Broadcaster
	defaultTTL  time.Duration
	logger      *slog.Logger
}

// Config configures a Store.
type Config struct {
	Engine      *cache.Engine
	Broadcaster Broadcaster

	// DefaultTTL applies when Put is called with a ttl of zero.
	// Zero means DefaultTTL.
	DefaultTTL time.Duration

	Logger *slog.Logger
}

// New creates a Store.
func New(cfg Config) *Store {
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = NopBroadcaster{}
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Store{
		engine:      cfg.Engine,
		broadcaster: cfg.Broadcaster,
		defaultTTL:  cfg.DefaultTTL,
		logger:      cfg.Logger,
	}
}

// Put stores a key-value pair. A zero ttl applies the default TTL;
// NoExpiry (or any negative ttl) stores the entry without expiry.
func (s *Store) Put(table string, key, value []byte, ttl time.Duration) error {
	engineTTL := s.resolveTTL(ttl)

	if err := s.engine.Put(table, key, value, engineTTL); err != nil {
		return err
	}

	s.broadcaster.Broadcast(table, cache.Op{
		Kind:  cache.OpPut,
		Key:   key,
		Value: value,
		TTL:   engineTTL,
	})
	return nil
}

// Get retrieves a value. Absent and expired keys both yield
// cache.ErrNotFound.
func (s *Store) Get(table string, key []byte) ([]byte, error) {
	return s.engine.Get(table, key)
}

// Delete removes a key. Deleting an absent key succeeds.
func (s *Store) Delete(table string, key []byte) error {
	if err := s.engine.Delete(table, key); err != nil {
		return err
	}

	s.broadcaster.Broadcast(table, cache.Op{
		Kind: cache.OpDelete,
		Key:  key,
	})
	return nil
}

// Tables lists the configured tables.
func (s *Store) Tables() []cache.TableConfig {
	return s.engine.Tables()
}

// HasTable reports whether a table exists.
func (s *Store) HasTable(name string) bool {
	_, ok := s.engine.TableConfig(name)
	return ok
}

// resolveTTL maps the API-level ttl to the engine's convention, where
// a non-positive ttl means no expiry.
func (s *Store) resolveTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl == 0:
		return s.defaultTTL
	case ttl < 0:
		return 0
	default:
		return ttl
	}
}
