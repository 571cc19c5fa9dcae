// Package cache implements the local cache engine: named tables of
// key-value entries with per-entry expiry, a background sweeper, and
// atomic full-table replacement. It is the unit of replication; the
// cluster layer moves entries between engines but never reaches into
// table internals.
package cache

import "time"

// Entry is a single cache record. Keys and values are opaque bytes.
type Entry struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`

	// ExpiresAt is the expiry wall-clock time in Unix milliseconds.
	// Zero means the entry never expires.
	ExpiresAt int64 `json:"expires_at"`

	// InsertedAt is the write wall-clock time in Unix milliseconds.
	InsertedAt int64 `json:"inserted_at"`
}

// Expired reports whether the entry is past its expiry at the given time.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt > 0 && e.ExpiresAt <= now.UnixMilli()
}

// OpKind identifies a replicated cache operation.
type OpKind uint8

const (
	// OpPut stores a key-value pair.
	OpPut OpKind = iota + 1
	// OpDelete removes a key.
	OpDelete
)

// Op is a single write operation as propagated to replicas.
type Op struct {
	Kind  OpKind        `json:"kind"`
	Key   []byte        `json:"key"`
	Value []byte        `json:"value,omitempty"`
	TTL   time.Duration `json:"ttl,omitempty"`
}

// TableConfig describes a named table and its cluster policy.
type TableConfig struct {
	// Name identifies the table (e.g. "sessions", "tokens").
	Name string

	// Replicated tables have their writes broadcast to peers.
	Replicated bool

	// Reconcilable tables are overwritten from the authoritative node
	// after a partition heals. Non-reconcilable tables survive a heal
	// untouched on every node.
	Reconcilable bool
}
