package cluster

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/authmesh/authmesh-go/internal/cache"
)

// startClusterServer runs a cluster RPC server on a loopback listener
// and returns its host:port plus a client.
func startClusterServer(t *testing.T, engine *cache.Engine, m *Membership) (string, *PeerClient) {
	t.Helper()

	srv := NewServer("127.0.0.1:0", engine, m, slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	addr := strings.TrimPrefix(ts.URL, "http://")
	return addr, NewPeerClient(time.Second)
}

func newTestEngine(t *testing.T, tables ...cache.TableConfig) *cache.Engine {
	t.Helper()
	engine := cache.New()
	for _, cfg := range tables {
		if err := engine.CreateTable(cfg); err != nil {
			t.Fatalf("CreateTable(%s): %v", cfg.Name, err)
		}
	}
	return engine
}

func TestServer_Ping(t *testing.T) {
	engine := newTestEngine(t)
	m := newTestMembership(t, "node-a")
	addr, client := startClusterServer(t, engine, m)

	if err := client.Ping(context.Background(), addr); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestServer_Info(t *testing.T) {
	engine := newTestEngine(t,
		cache.TableConfig{Name: "sessions", Replicated: true},
		cache.TableConfig{Name: "tokens", Replicated: true},
	)
	m := newTestMembership(t, "node-a")
	addr, client := startClusterServer(t, engine, m)

	info, err := client.Info(context.Background(), addr)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.ID != "node-a" {
		t.Fatalf("ID = %q, want node-a", info.ID)
	}
	if len(info.Tables) != 2 || info.Tables[0] != "sessions" || info.Tables[1] != "tokens" {
		t.Fatalf("Tables = %v, want [sessions tokens]", info.Tables)
	}
	if info.JoinedAt == 0 {
		t.Fatal("JoinedAt should be set")
	}
}

func TestServer_Snapshot(t *testing.T) {
	engine := newTestEngine(t, cache.TableConfig{Name: "sessions", Replicated: true})
	engine.Put("sessions", []byte("sid-1"), []byte("alice"), time.Minute)
	m := newTestMembership(t, "node-a")
	addr, client := startClusterServer(t, engine, m)

	entries, err := client.Snapshot(context.Background(), addr, "sessions")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if !bytes.Equal(entries[0].Key, []byte("sid-1")) || !bytes.Equal(entries[0].Value, []byte("alice")) {
		t.Fatalf("entry = %+v, want sid-1=alice", entries[0])
	}
}

func TestServer_SnapshotUnknownTable(t *testing.T) {
	engine := newTestEngine(t)
	m := newTestMembership(t, "node-a")
	addr, client := startClusterServer(t, engine, m)

	if _, err := client.Snapshot(context.Background(), addr, "nope"); err == nil {
		t.Fatal("Snapshot of unknown table should fail")
	}
}

func TestServer_Replicate(t *testing.T) {
	engine := newTestEngine(t, cache.TableConfig{Name: "sessions", Replicated: true})
	m := newTestMembership(t, "node-a")
	addr, client := startClusterServer(t, engine, m)

	op := cache.Op{Kind: cache.OpPut, Key: []byte("sid-2"), Value: []byte("bob"), TTL: time.Minute}
	if err := client.Replicate(context.Background(), addr, "sessions", op); err != nil {
		t.Fatalf("Replicate put: %v", err)
	}

	got, err := engine.Get("sessions", []byte("sid-2"))
	if err != nil {
		t.Fatalf("Get after replicate: %v", err)
	}
	if !bytes.Equal(got, []byte("bob")) {
		t.Fatalf("value = %q, want bob", got)
	}

	del := cache.Op{Kind: cache.OpDelete, Key: []byte("sid-2")}
	if err := client.Replicate(context.Background(), addr, "sessions", del); err != nil {
		t.Fatalf("Replicate delete: %v", err)
	}
	if _, err := engine.Get("sessions", []byte("sid-2")); err == nil {
		t.Fatal("entry should be gone after replicated delete")
	}
}

func TestServer_ReplicateUnknownTable(t *testing.T) {
	engine := newTestEngine(t)
	m := newTestMembership(t, "node-a")
	addr, client := startClusterServer(t, engine, m)

	op := cache.Op{Kind: cache.OpPut, Key: []byte("k"), Value: []byte("v")}
	if err := client.Replicate(context.Background(), addr, "nope", op); err == nil {
		t.Fatal("Replicate to unknown table should fail")
	}
}
