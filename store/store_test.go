package store

import (
	"testing"

	"github.com/kvmesh/kvmesh/typedesc"
)

func TestOrderedInsertion(t *testing.T) {
	s := New[int, int](typedesc.Int, typedesc.Int)
	pairs := [][2]int{{1, 1}, {2, 10}, {2, 2}, {3, 3}, {4, 4}, {5, 5}, {6, 6}}
	for _, p := range pairs {
		if !s.Set(p[0], p[1]) {
			t.Fatalf("Set(%d,%d) failed", p[0], p[1])
		}
	}
	if got := s.Count(); got != 6 {
		t.Fatalf("Count() = %d, want 6", got)
	}
	var v int
	if !s.Get(2, &v) || v != 2 {
		t.Fatalf("Val(2) = %d, want 2 (second write wins)", v)
	}
	if got := s.KeyAt(-1); got != 6 {
		t.Fatalf("Keys(-1) = %d, want 6", got)
	}
	if !s.Item(0, &v) || v != 1 {
		t.Fatalf("Item(0) = %d, want 1", v)
	}
}

func TestStringKeyedLookup(t *testing.T) {
	s := New[string, int](typedesc.String, typedesc.Int)
	for i := 1; i <= 5; i++ {
		key := "k" + string(rune('0'+i))
		s.Set(key, i)
	}
	if !s.HasKey("k3") {
		t.Fatal("expected HasKey(k3) == true")
	}
	if idx := s.Index("k3"); idx != 2 {
		t.Fatalf("Index(k3) = %d, want 2", idx)
	}
	if !s.Del("k5") {
		t.Fatal("expected Del(k5) == true")
	}
	if got := s.Count(); got != 4 {
		t.Fatalf("Count() = %d, want 4", got)
	}
}

func TestIndexOrderingInvariant(t *testing.T) {
	s := New[int, int](typedesc.Int, typedesc.Int)
	for _, k := range []int{5, 1, 3, 2, 4} {
		s.Set(k, k*10)
	}
	for k1 := 1; k1 < 5; k1++ {
		if s.Index(k1) >= s.Index(k1+1) {
			t.Fatalf("Index(%d) >= Index(%d), ordering invariant violated", k1, k1+1)
		}
	}
}

func TestSetCountIncrement(t *testing.T) {
	s := New[int, int](typedesc.Int, typedesc.Int)
	s.Set(1, 1)
	before := s.Count()
	s.Set(1, 2) // update, not insert
	if s.Count() != before {
		t.Fatalf("Count changed on update: %d -> %d", before, s.Count())
	}
	s.Set(2, 2) // new key
	if s.Count() != before+1 {
		t.Fatalf("Count did not increment on new key: %d -> %d", before, s.Count())
	}
}

func TestDeleteNotFound(t *testing.T) {
	s := New[int, int](typedesc.Int, typedesc.Int)
	s.Set(1, 1)
	if s.Del(2) {
		t.Fatal("Del of absent key returned true")
	}
	if s.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", s.Count())
	}
}

func TestDeleteWhileIterating(t *testing.T) {
	s := New[int, int](typedesc.Int, typedesc.Int)
	for i := 1; i <= 6; i++ {
		s.Set(i, i)
	}
	var seen []int
	for cursor := s.Count(); cursor > 0; cursor-- {
		var v int
		if !s.Item(s.Count()-cursor, &v) {
			continue
		}
		seen = append(seen, v)
		s.Del(v)
	}
	if len(seen) != 6 {
		t.Fatalf("visited %d entries, want 6: %v", len(seen), seen)
	}
	for i, v := range seen {
		if v != i+1 {
			t.Fatalf("visit order = %v, want 1..6", seen)
		}
	}
	if s.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", s.Count())
	}
}

func TestItemWrapAndEmpty(t *testing.T) {
	s := New[int, int](typedesc.Int, typedesc.Int)
	var v int
	if s.Item(0, &v) {
		t.Fatal("Item on empty store should return false")
	}
	s.Set(1, 10)
	s.Set(2, 20)
	if !s.Item(0, &v) || v != 10 {
		t.Fatalf("Item(0) = %d, want 10 in-range", v)
	}
	if got := s.Item(5, &v); got {
		t.Fatal("Item(5) on a 2-length store should report wrapped (false)")
	}
	if v != 20 {
		t.Fatalf("Item(5) wrapped value = %d, want 20", v)
	}
}

func TestRemoveValueNegativeIndex(t *testing.T) {
	s := New[int, int](typedesc.Int, typedesc.Int)
	s.Set(1, 10)
	s.Set(2, 20)
	s.Set(3, 30)
	var v int
	if !s.RemoveValue(-1, &v) || v != 30 {
		t.Fatalf("RemoveValue(-1) = %d, want 30", v)
	}
	if s.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", s.Count())
	}
}

func TestConcurrentSetDelGet(t *testing.T) {
	s := New[int, int](typedesc.Int, typedesc.Int)
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(base int) {
			for j := 0; j < 200; j++ {
				k := base*1000 + j
				s.Set(k, k)
				var v int
				s.Get(k, &v)
				s.Del(k)
			}
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if s.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after balanced set/del", s.Count())
	}
}

func TestEntryLocksFenceDelete(t *testing.T) {
	s := New[int, int](typedesc.Int, typedesc.Int, WithEntryLocks(true))
	s.Set(1, 1)
	release, ok := s.Lock(1)
	if !ok {
		t.Fatal("Lock(1) failed")
	}
	release()
	if !s.Del(1) {
		t.Fatal("Del(1) failed after releasing entry lock")
	}
	if _, ok := s.Lock(1); ok {
		t.Fatal("Lock(1) should fail once deleted")
	}
}

func TestGrowthBeyondInitialCapacity(t *testing.T) {
	s := New[int, int](typedesc.Int, typedesc.Int, WithInitialCapacity(2))
	for i := 0; i < 100; i++ {
		if !s.Set(i, i) {
			t.Fatalf("Set(%d) failed", i)
		}
	}
	if s.Count() != 100 {
		t.Fatalf("Count() = %d, want 100", s.Count())
	}
	for i := 0; i < 100; i++ {
		if s.Index(i) != i {
			t.Fatalf("Index(%d) = %d, want %d", i, s.Index(i), i)
		}
	}
}
