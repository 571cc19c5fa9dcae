package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/authmesh/authmesh-go/internal/telemetry/metric"
)

// Default engine settings.
const (
	DefaultSweepInterval = 5 * time.Second
)

var (
	// ErrNotFound is returned by Get for absent or expired keys.
	// Expiry is a normal state transition, not a failure.
	ErrNotFound = errors.New("cache: entry not found")

	// ErrNoSuchTable is returned for operations on unknown tables.
	ErrNoSuchTable = errors.New("cache: no such table")

	// ErrTableExists is returned when creating a duplicate table.
	ErrTableExists = errors.New("cache: table already exists")
)

// Engine is the local in-process cache: a set of named tables with
// per-entry expiry. All methods are safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	tables map[string]*table

	sweepInterval time.Duration
	logger        *slog.Logger
	metrics       *metric.Registry
	clock         func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithSweepInterval sets the interval between expiry sweeps.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metric.Registry) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		tables:        make(map[string]*table),
		sweepInterval: DefaultSweepInterval,
		logger:        slog.Default(),
		clock:         time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// CreateTable registers a new table.
func (e *Engine) CreateTable(cfg TableConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("cache: table name is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tables[cfg.Name]; ok {
		return ErrTableExists
	}
	e.tables[cfg.Name] = newTable(cfg)
	return nil
}

// Tables returns the configs of all tables, sorted by name.
func (e *Engine) Tables() []TableConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]TableConfig, 0, len(e.tables))
	for _, t := range e.tables {
		out = append(out, t.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TableConfig returns the config of a single table.
func (e *Engine) TableConfig(name string) (TableConfig, bool) {
	t, ok := e.table(name)
	if !ok {
		return TableConfig{}, false
	}
	return t.cfg, true
}

func (e *Engine) table(name string) (*table, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[name]
	return t, ok
}

// Put stores a key-value pair. ttl <= 0 disables expiry.
func (e *Engine) Put(tableName string, key, value []byte, ttl time.Duration) error {
	t, ok := e.table(tableName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchTable, tableName)
	}

	t.put(key, value, ttl, e.clock())
	if e.metrics != nil {
		e.metrics.CachePuts.WithLabelValues(tableName).Inc()
	}
	return nil
}

// Get retrieves a value. Absent and expired keys both yield ErrNotFound.
func (e *Engine) Get(tableName string, key []byte) ([]byte, error) {
	t, ok := e.table(tableName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTable, tableName)
	}

	value, ok := t.get(key, e.clock())
	if !ok {
		if e.metrics != nil {
			e.metrics.CacheMisses.WithLabelValues(tableName).Inc()
		}
		return nil, ErrNotFound
	}
	if e.metrics != nil {
		e.metrics.CacheHits.WithLabelValues(tableName).Inc()
	}
	return value, nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (e *Engine) Delete(tableName string, key []byte) error {
	t, ok := e.table(tableName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchTable, tableName)
	}

	t.delete(key)
	if e.metrics != nil {
		e.metrics.CacheDeletes.WithLabelValues(tableName).Inc()
	}
	return nil
}

// Entries returns all live entries of a table, for snapshotting.
func (e *Engine) Entries(tableName string) ([]Entry, error) {
	t, ok := e.table(tableName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTable, tableName)
	}
	return t.entries(e.clock()), nil
}

// Len returns the number of stored entries, including not-yet-swept
// expired ones.
func (e *Engine) Len(tableName string) (int, error) {
	t, ok := e.table(tableName)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSuchTable, tableName)
	}
	return t.len(), nil
}

// Replace atomically overwrites a table's entire content.
// A concurrent reader sees either the old table or the new one.
func (e *Engine) Replace(tableName string, entries []Entry) error {
	t, ok := e.table(tableName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchTable, tableName)
	}

	t.replace(entries, e.clock())
	e.logger.Info("table content replaced",
		"table", tableName,
		"entries", len(entries))
	return nil
}

// Apply applies a replicated operation received from a peer.
func (e *Engine) Apply(tableName string, op Op) error {
	switch op.Kind {
	case OpPut:
		return e.Put(tableName, op.Key, op.Value, op.TTL)
	case OpDelete:
		return e.Delete(tableName, op.Key)
	default:
		return fmt.Errorf("cache: unknown op kind %d", op.Kind)
	}
}

// SweepOnce removes expired entries from every table once and returns
// the total number of entries removed.
func (e *Engine) SweepOnce() int {
	e.mu.RLock()
	tables := make([]*table, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	e.mu.RUnlock()

	now := e.clock()
	removed := 0
	for _, t := range tables {
		n := t.sweep(now)
		removed += n
		if e.metrics != nil {
			e.metrics.CacheEntries.WithLabelValues(t.cfg.Name).Set(float64(t.len()))
		}
	}

	if removed > 0 {
		if e.metrics != nil {
			e.metrics.SweptEntries.Add(float64(removed))
		}
		e.logger.Debug("swept expired entries", "removed", removed)
	}
	return removed
}

// StartSweeper runs the periodic expiry sweep until ctx is canceled.
func (e *Engine) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepOnce()
		}
	}
}
