package cache

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(opts...)
	if err := e.CreateTable(TableConfig{Name: "sessions", Replicated: true, Reconcilable: true}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	return e
}

func TestEngine_PutGetRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Put("sessions", []byte("k1"), []byte("v1"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := e.Get("sessions", []byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("Get = %q, want v1", got)
	}
}

func TestEngine_GetMissReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.Get("sessions", []byte("absent")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get err = %v, want ErrNotFound", err)
	}
}

func TestEngine_UnknownTable(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Put("nope", []byte("k"), []byte("v"), 0); !errors.Is(err, ErrNoSuchTable) {
		t.Fatalf("Put err = %v, want ErrNoSuchTable", err)
	}
	if _, err := e.Get("nope", []byte("k")); !errors.Is(err, ErrNoSuchTable) {
		t.Fatalf("Get err = %v, want ErrNoSuchTable", err)
	}
}

func TestEngine_DuplicateTable(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateTable(TableConfig{Name: "sessions"}); !errors.Is(err, ErrTableExists) {
		t.Fatalf("CreateTable err = %v, want ErrTableExists", err)
	}
}

func TestEngine_ExpiredEntryInvisibleToGet(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	e := newTestEngine(t, WithClock(func() time.Time { return clock() }))

	if err := e.Put("sessions", []byte("k"), []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Advance past the TTL without sweeping.
	now = now.Add(5 * time.Millisecond)

	if _, err := e.Get("sessions", []byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after expiry err = %v, want ErrNotFound", err)
	}
}

func TestEngine_SweepRemovesExpired(t *testing.T) {
	now := time.Now()
	e := newTestEngine(t, WithClock(func() time.Time { return now }))

	e.Put("sessions", []byte("short"), []byte("v"), time.Millisecond)
	e.Put("sessions", []byte("long"), []byte("v"), time.Hour)
	e.Put("sessions", []byte("forever"), []byte("v"), 0)

	now = now.Add(time.Second)

	if removed := e.SweepOnce(); removed != 1 {
		t.Fatalf("SweepOnce = %d, want 1", removed)
	}

	n, err := e.Len("sessions")
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
}

func TestEngine_InfiniteTTLNeverExpires(t *testing.T) {
	now := time.Now()
	e := newTestEngine(t, WithClock(func() time.Time { return now }))

	e.Put("sessions", []byte("k"), []byte("v"), 0)
	now = now.Add(1000 * time.Hour)
	e.SweepOnce()

	if _, err := e.Get("sessions", []byte("k")); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestEngine_Delete(t *testing.T) {
	e := newTestEngine(t)

	e.Put("sessions", []byte("k"), []byte("v"), 0)
	if err := e.Delete("sessions", []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.Get("sessions", []byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Delete err = %v, want ErrNotFound", err)
	}

	// Deleting an absent key is a no-op.
	if err := e.Delete("sessions", []byte("k")); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestEngine_ReplaceOverwritesContent(t *testing.T) {
	e := newTestEngine(t)

	e.Put("sessions", []byte("old"), []byte("v"), 0)

	now := time.Now().UnixMilli()
	err := e.Replace("sessions", []Entry{
		{Key: []byte("a"), Value: []byte("1"), InsertedAt: now},
		{Key: []byte("b"), Value: []byte("2"), InsertedAt: now},
	})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}

	if _, err := e.Get("sessions", []byte("old")); !errors.Is(err, ErrNotFound) {
		t.Fatal("old entry should be gone after Replace")
	}
	if v, err := e.Get("sessions", []byte("a")); err != nil || !bytes.Equal(v, []byte("1")) {
		t.Fatalf("Get(a) = %q, %v, want 1", v, err)
	}
	if v, err := e.Get("sessions", []byte("b")); err != nil || !bytes.Equal(v, []byte("2")) {
		t.Fatalf("Get(b) = %q, %v, want 2", v, err)
	}
}

func TestEngine_ReplaceDropsExpiredEntries(t *testing.T) {
	e := newTestEngine(t)

	err := e.Replace("sessions", []Entry{
		{Key: []byte("dead"), Value: []byte("v"), ExpiresAt: 1, InsertedAt: 1},
		{Key: []byte("live"), Value: []byte("v"), InsertedAt: 1},
	})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}

	n, _ := e.Len("sessions")
	if n != 1 {
		t.Fatalf("Len = %d, want 1 (expired entry dropped)", n)
	}
}

func TestEngine_ReplaceAtomicUnderConcurrentReads(t *testing.T) {
	e := newTestEngine(t)

	old := make([]Entry, 50)
	for i := range old {
		old[i] = Entry{Key: []byte{byte(i)}, Value: []byte("old")}
	}
	fresh := make([]Entry, 50)
	for i := range fresh {
		fresh[i] = Entry{Key: []byte{byte(i)}, Value: []byte("new")}
	}
	e.Replace("sessions", old)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				entries, err := e.Entries("sessions")
				if err != nil {
					t.Errorf("Entries: %v", err)
					return
				}
				// All-old or all-new, never a mix.
				var sawOld, sawNew bool
				for _, entry := range entries {
					switch string(entry.Value) {
					case "old":
						sawOld = true
					case "new":
						sawNew = true
					}
				}
				if sawOld && sawNew {
					t.Error("reader observed a partially replaced table")
					return
				}
			}
		}()
	}

	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			e.Replace("sessions", fresh)
		} else {
			e.Replace("sessions", old)
		}
	}
	close(stop)
	wg.Wait()
}

func TestEngine_Apply(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Apply("sessions", Op{Kind: OpPut, Key: []byte("k"), Value: []byte("v"), TTL: time.Hour}); err != nil {
		t.Fatalf("Apply put: %v", err)
	}
	if v, err := e.Get("sessions", []byte("k")); err != nil || !bytes.Equal(v, []byte("v")) {
		t.Fatalf("Get = %q, %v", v, err)
	}

	if err := e.Apply("sessions", Op{Kind: OpDelete, Key: []byte("k")}); err != nil {
		t.Fatalf("Apply delete: %v", err)
	}
	if _, err := e.Get("sessions", []byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatal("entry should be deleted")
	}

	if err := e.Apply("sessions", Op{Kind: 99}); err == nil {
		t.Fatal("unknown op kind should fail")
	}
}

func TestEngine_TablesSorted(t *testing.T) {
	e := New()
	e.CreateTable(TableConfig{Name: "tokens"})
	e.CreateTable(TableConfig{Name: "sessions"})

	tables := e.Tables()
	if len(tables) != 2 || tables[0].Name != "sessions" || tables[1].Name != "tokens" {
		t.Fatalf("Tables = %+v, want sorted [sessions tokens]", tables)
	}
}
