package cluster

import (
	"bytes"
	"testing"
	"time"

	"github.com/authmesh/authmesh-go/internal/cache"
)

func waitForEntry(t *testing.T, engine *cache.Engine, table string, key, want []byte) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := engine.Get(table, key); err == nil {
			if !bytes.Equal(got, want) {
				t.Fatalf("value = %q, want %q", got, want)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("entry %q never arrived in table %s", key, table)
}

func TestChannel_BroadcastToConnectedPeers(t *testing.T) {
	peerEngine := newTestEngine(t, cache.TableConfig{Name: "sessions", Replicated: true})
	peerAddr, _ := startClusterServer(t, peerEngine, newTestMembership(t, "node-b"))

	localEngine := newTestEngine(t, cache.TableConfig{Name: "sessions", Replicated: true})
	m := newTestMembership(t, "node-a")
	m.MarkConnected("node-b", peerAddr, time.Now())

	ch := NewChannel(ChannelConfig{
		Engine:     localEngine,
		Membership: m,
	})

	ch.Broadcast("sessions", cache.Op{
		Kind:  cache.OpPut,
		Key:   []byte("sid-1"),
		Value: []byte("alice"),
		TTL:   time.Minute,
	})

	waitForEntry(t, peerEngine, "sessions", []byte("sid-1"), []byte("alice"))
}

func TestChannel_SkipsNonReplicatedTables(t *testing.T) {
	peerEngine := newTestEngine(t, cache.TableConfig{Name: "scratch"})
	peerAddr, _ := startClusterServer(t, peerEngine, newTestMembership(t, "node-b"))

	localEngine := newTestEngine(t, cache.TableConfig{Name: "scratch"})
	m := newTestMembership(t, "node-a")
	m.MarkConnected("node-b", peerAddr, time.Now())

	ch := NewChannel(ChannelConfig{
		Engine:     localEngine,
		Membership: m,
	})

	ch.Broadcast("scratch", cache.Op{
		Kind:  cache.OpPut,
		Key:   []byte("k"),
		Value: []byte("v"),
	})

	time.Sleep(100 * time.Millisecond)
	if _, err := peerEngine.Get("scratch", []byte("k")); err == nil {
		t.Fatal("non-replicated table must not fan out")
	}
}

func TestChannel_SkipsDisconnectedPeers(t *testing.T) {
	peerEngine := newTestEngine(t, cache.TableConfig{Name: "sessions", Replicated: true})
	peerAddr, _ := startClusterServer(t, peerEngine, newTestMembership(t, "node-b"))

	localEngine := newTestEngine(t, cache.TableConfig{Name: "sessions", Replicated: true})
	m := newTestMembership(t, "node-a")
	m.MarkConnected("node-b", peerAddr, time.Now())
	m.MarkDisconnected("node-b")

	ch := NewChannel(ChannelConfig{
		Engine:     localEngine,
		Membership: m,
	})

	ch.Broadcast("sessions", cache.Op{
		Kind:  cache.OpPut,
		Key:   []byte("sid-1"),
		Value: []byte("alice"),
	})

	time.Sleep(100 * time.Millisecond)
	if _, err := peerEngine.Get("sessions", []byte("sid-1")); err == nil {
		t.Fatal("disconnected peer must not receive writes")
	}
}

func TestChannel_DeadPeerDoesNotBlock(t *testing.T) {
	localEngine := newTestEngine(t, cache.TableConfig{Name: "sessions", Replicated: true})
	m := newTestMembership(t, "node-a")
	m.MarkConnected("node-dead", "127.0.0.1:1", time.Now())

	ch := NewChannel(ChannelConfig{
		Engine:     localEngine,
		Membership: m,
		Timeout:    500 * time.Millisecond,
	})

	done := make(chan struct{})
	go func() {
		ch.Broadcast("sessions", cache.Op{
			Kind:  cache.OpPut,
			Key:   []byte("sid-1"),
			Value: []byte("alice"),
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Broadcast blocked on a dead peer")
	}
}
