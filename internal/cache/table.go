package cache

import (
	"sync"
	"time"

	"github.com/authmesh/authmesh-go/pkg/cmap"
)

// table holds one named table's entries.
//
// Key operations run concurrently under the sharded map's per-shard
// locks; swap is the sole table-wide lock and is write-held only by
// replace, so readers see either the entire old table or the entire
// new one, never a mix.
type table struct {
	cfg   TableConfig
	swap  sync.RWMutex
	items *cmap.Map[Entry]
}

func newTable(cfg TableConfig) *table {
	return &table{
		cfg:   cfg,
		items: cmap.New[Entry](),
	}
}

func (t *table) put(key, value []byte, ttl time.Duration, now time.Time) {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixMilli()
	}

	entry := Entry{
		Key:        key,
		Value:      value,
		ExpiresAt:  expiresAt,
		InsertedAt: now.UnixMilli(),
	}

	t.swap.RLock()
	defer t.swap.RUnlock()
	t.items.Set(string(key), entry)
}

func (t *table) get(key []byte, now time.Time) ([]byte, bool) {
	t.swap.RLock()
	defer t.swap.RUnlock()

	entry, ok := t.items.Get(string(key))
	if !ok || entry.Expired(now) {
		return nil, false
	}
	return entry.Value, true
}

func (t *table) delete(key []byte) {
	t.swap.RLock()
	defer t.swap.RUnlock()
	t.items.Delete(string(key))
}

// entries returns all live entries, for snapshotting.
func (t *table) entries(now time.Time) []Entry {
	t.swap.RLock()
	defer t.swap.RUnlock()

	out := make([]Entry, 0, t.items.Count())
	t.items.Range(func(_ string, entry Entry) bool {
		if !entry.Expired(now) {
			out = append(out, entry)
		}
		return true
	})
	return out
}

// replace swaps in a whole new table content. Entries already expired
// at swap time are dropped; the rest keep their original timestamps.
func (t *table) replace(entries []Entry, now time.Time) {
	fresh := cmap.New[Entry]()
	for _, entry := range entries {
		if entry.Expired(now) {
			continue
		}
		fresh.Set(string(entry.Key), entry)
	}

	t.swap.Lock()
	t.items = fresh
	t.swap.Unlock()
}

// sweep removes expired entries and returns how many were removed.
//
// The expiry check re-runs under the shard lock, so a put that raced
// the scan wins: its fresh entry no longer satisfies the predicate.
func (t *table) sweep(now time.Time) int {
	t.swap.RLock()
	defer t.swap.RUnlock()

	var candidates []string
	t.items.Range(func(key string, entry Entry) bool {
		if entry.Expired(now) {
			candidates = append(candidates, key)
		}
		return true
	})

	removed := 0
	for _, key := range candidates {
		if t.items.DeleteIf(key, func(entry Entry) bool { return entry.Expired(now) }) {
			removed++
		}
	}
	return removed
}

func (t *table) len() int {
	t.swap.RLock()
	defer t.swap.RUnlock()
	return t.items.Count()
}
