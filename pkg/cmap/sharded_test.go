package cmap

import (
	"fmt"
	"sync"
	"testing"
)

func TestMap_SetGetDelete(t *testing.T) {
	m := New[int]()

	m.Set("a", 1)
	m.Set("b", 2)

	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v, want 1, true", v, ok)
	}

	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatal("Get(a) after Delete should miss")
	}

	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}
}

func TestMap_DeleteIf(t *testing.T) {
	m := New[int]()
	m.Set("k", 7)

	if removed := m.DeleteIf("k", func(v int) bool { return v == 8 }); removed {
		t.Fatal("DeleteIf with false predicate removed the key")
	}
	if !m.Has("k") {
		t.Fatal("key should survive a false predicate")
	}

	if removed := m.DeleteIf("k", func(v int) bool { return v == 7 }); !removed {
		t.Fatal("DeleteIf with true predicate did not remove the key")
	}
	if m.Has("k") {
		t.Fatal("key should be gone")
	}

	if removed := m.DeleteIf("absent", func(int) bool { return true }); removed {
		t.Fatal("DeleteIf on absent key reported removal")
	}
}

func TestMap_Pop(t *testing.T) {
	m := New[string]()
	m.Set("k", "v")

	v, ok := m.Pop("k")
	if !ok || v != "v" {
		t.Fatalf("Pop = %q, %v, want v, true", v, ok)
	}
	if _, ok := m.Pop("k"); ok {
		t.Fatal("second Pop should miss")
	}
}

func TestMap_RangeAndClear(t *testing.T) {
	m := New[int]()
	for i := 0; i < 100; i++ {
		m.Set(fmt.Sprintf("key-%d", i), i)
	}

	seen := 0
	m.Range(func(_ string, _ int) bool {
		seen++
		return true
	})
	if seen != 100 {
		t.Fatalf("Range visited %d, want 100", seen)
	}

	m.Clear()
	if m.Count() != 0 {
		t.Fatalf("Count after Clear = %d, want 0", m.Count())
	}
}

func TestMap_InvalidShardCountFallsBack(t *testing.T) {
	m := NewWithShards[int](3)
	if len(m.shards) != DefaultShardCount {
		t.Fatalf("shards = %d, want %d", len(m.shards), DefaultShardCount)
	}
}

func TestMap_ConcurrentAccess(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("g%d-k%d", g, i)
				m.Set(key, i)
				m.Get(key)
				if i%3 == 0 {
					m.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()
}
