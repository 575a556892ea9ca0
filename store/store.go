// Package store implements the sorted-array storage engine of spec.md §4.B:
// binary search, in-place ordered insertion, deletion with compaction,
// amortised growth, coarse per-store locking with an optional fine-grained
// per-entry lock, and index-addressable / FIFO access.
//
// Grounded on the teacher's own pattern of a Config-resolved struct guarding
// a manually managed backing array under a coarse sync.RWMutex
// (valuesstore.go, valuestore_GEN_.go), generalized from 128-bit fixed keys
// and on-disk value blocks to a generic, entirely in-memory sorted entry
// array (spec.md Design Notes item 1: generics replace the macro layer).
package store

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gholt/brimtext"
	"github.com/kvmesh/kvmesh/idhash"
	"github.com/kvmesh/kvmesh/typedesc"
)

// MutationOp distinguishes the two kinds of local mutation the replication
// engine must observe (spec.md §4.D.3).
type MutationOp int

const (
	// OpSet covers both insert and update-in-place.
	OpSet MutationOp = iota
	// OpDel covers deletion.
	OpDel
)

// Watcher is notified of every mutation made through Set, Del or
// RemoveValue. It is called after the store's mutex has been released, with
// the key and value captured while the mutex was held, so the replication
// engine (component D) serializes the state the mutation produced. Set with
// SetWatcher; replication.Start wires this to its Session.
type Watcher[K any, V any] func(op MutationOp, key K, value V)

// entry is one owned (key, value) pair (spec.md §3.1). lock is nil unless
// Options.EntryLocks is set.
type entry[K any, V any] struct {
	key   K
	value V
	lock  *entryLock
}

// Store is the generic sorted-array engine. Zero value is not usable; build
// with New.
type Store[K any, V any] struct {
	mu      sync.RWMutex
	key     typedesc.Descriptor[K]
	val     typedesc.Descriptor[V]
	entries []entry[K, V]
	length  int
	opts    *Options
	id      uint32
	watcher Watcher[K, V]
}

// New builds a Store for the given key/value descriptors. The identity tag
// (spec.md §6.3) is computed immediately from the descriptor names/sizes so
// it is available to callers (e.g. for the wire protocol) before any entry
// is ever inserted.
func New[K any, V any](key typedesc.Descriptor[K], val typedesc.Descriptor[V], opts ...Option) *Store[K, V] {
	o := resolveOptions(opts...)
	var zeroK K
	var zeroV V
	return &Store[K, V]{
		key:    key,
		val:    val,
		opts:   o,
		id:     idhash.Identity(key.Name, key.Size(zeroK), val.Name, val.Size(zeroV)),
		length: 0,
	}
}

// ID returns the store's identity tag (spec.md §6.3), used to partition
// traffic on a shared multicast channel and to gate snapshot compatibility.
func (s *Store[K, V]) ID() uint32 { return s.id }

// SetWatcher installs (or clears, with nil) the mutation watcher used by
// replication. Not part of the public end-user API surface (spec.md §6.1);
// replication.Start calls this once its worker is running, which is how
// kvmesh.Handle.NetStart installs it.
func (s *Store[K, V]) SetWatcher(w Watcher[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watcher = w
}

// search performs the shared binary search / insertion-slot lookup (spec.md
// §4.B "Core algorithm"): returns the index of an exact match and true, or
// the index at which k would need to be inserted to preserve order and
// false. Caller must hold at least a read lock.
func (s *Store[K, V]) search(k K) (int, bool) {
	lo, hi := 0, s.length
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		c := s.key.Compare(s.entries[mid].key, k)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// ensureCapacity grows the backing array to hold at least needed entries,
// per spec.md §4.B step 1: geometric +25% (floor +1), and on allocation
// failure of the geometric attempt, retry with +1 so a transient shortage
// never spuriously rejects an insert when some memory is in fact available.
// Go's allocator panics rather than returning a nil slice on exhaustion, so
// the "allocation failure" contract is realized with recover, matching
// spec.md §7's AllocFailure taxonomy entry.
func (s *Store[K, V]) ensureCapacity(needed int) (ok bool) {
	if cap(s.entries) >= needed {
		return true
	}
	grow := func(newCap int) (grew bool) {
		defer func() {
			if recover() != nil {
				grew = false
			}
		}()
		if newCap < needed {
			newCap = needed
		}
		next := make([]entry[K, V], s.length, newCap)
		copy(next, s.entries[:s.length])
		s.entries = next
		return true
	}
	step := cap(s.entries) / 4
	if step < 1 {
		step = 1
	}
	if grow(cap(s.entries) + step) {
		return true
	}
	s.opts.Log("store: geometric growth to %d failed, retrying with +1", cap(s.entries)+step)
	return grow(cap(s.entries) + 1)
}

func (s *Store[K, V]) lazyInit() {
	if s.entries == nil {
		s.entries = make([]entry[K, V], 0, s.opts.InitialCapacity)
	}
}

// Set inserts k/v or, if k is already present, overwrites the value in
// place (spec.md §4.B Insert semantics). Returns false only on allocation
// failure; the array is left unchanged in that case.
func (s *Store[K, V]) Set(k K, v V) bool {
	s.mu.Lock()
	s.lazyInit()
	idx, found := s.search(k)
	if found {
		s.entries[idx].value = s.val.Clone(v)
		w, wk, wv := s.watcher, k, s.entries[idx].value
		s.mu.Unlock()
		if w != nil {
			w(OpSet, wk, wv)
		}
		return true
	}
	if !s.ensureCapacity(s.length + 1) {
		s.mu.Unlock()
		return false
	}
	s.entries = s.entries[:s.length+1]
	copy(s.entries[idx+1:], s.entries[idx:s.length])
	s.entries[idx] = entry[K, V]{key: s.key.Clone(k), value: s.val.Clone(v)}
	if s.opts.EntryLocks {
		s.entries[idx].lock = newEntryLock()
	}
	s.length++
	w, wk, wv := s.watcher, s.entries[idx].key, s.entries[idx].value
	s.mu.Unlock()
	if w != nil {
		w(OpSet, wk, wv)
	}
	return true
}

// Get writes a copy of the value stored for k into out and reports whether
// k was present.
func (s *Store[K, V]) Get(k K, out *V) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, found := s.search(k)
	if !found {
		return false
	}
	*out = s.val.Clone(s.entries[idx].value)
	return true
}

// Ref returns a non-owning pointer to the value stored for k, or nil if
// absent. The pointer is valid only until the next structural mutation of
// the store (spec.md §5 hazard) — callers needing a stable copy should use
// Get or Copy instead.
func (s *Store[K, V]) Ref(k K) *V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, found := s.search(k)
	if !found {
		return nil
	}
	return &s.entries[idx].value
}

// Copy is an alias for Get using the value descriptor's Clone explicitly;
// kept distinct per spec.md §4.B's table for callers porting from the
// original API.
func (s *Store[K, V]) Copy(k K, out *V) bool { return s.Get(k, out) }

// wrapIndex maps i into [0, length) by modulo wrap (spec.md §4.B "Index
// wrapping"), reporting whether i was already in range before wrapping.
// This is the "intended behaviour" of spec.md Design Notes Open Question
// (ii): always wrap first, then bounds-check, rather than the source's
// likely-typo'd short-circuit.
func wrapIndex(i, length int) (wrapped int, inRange bool) {
	if length == 0 {
		return 0, false
	}
	inRange = i >= 0 && i < length
	wrapped = i % length
	if wrapped < 0 {
		wrapped += length
	}
	return wrapped, inRange
}

// Item writes the value at (wrapped) index i into out and reports whether i
// was in range without wrapping. If the store is empty, out is left
// untouched and false is returned (spec.md §4.B).
func (s *Store[K, V]) Item(i int, out *V) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.length == 0 {
		return false
	}
	idx, inRange := wrapIndex(i, s.length)
	*out = s.val.Clone(s.entries[idx].value)
	return inRange
}

// KeyAt returns the key at (wrapped) index i, or the zero value of K if the
// store is empty.
func (s *Store[K, V]) KeyAt(i int) K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.length == 0 {
		var zero K
		return zero
	}
	idx, _ := wrapIndex(i, s.length)
	return s.key.Clone(s.entries[idx].key)
}

// Index returns the index of k, or -1 if absent.
func (s *Store[K, V]) Index(k K) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, found := s.search(k)
	if !found {
		return -1
	}
	return idx
}

// HasKey reports whether k is present.
func (s *Store[K, V]) HasKey(k K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, found := s.search(k)
	return found
}

// removeAt deletes the entry at idx, shifting the tail left. Caller must
// hold the write lock and have already fenced any per-entry lock.
func (s *Store[K, V]) removeAt(idx int) {
	copy(s.entries[idx:s.length-1], s.entries[idx+1:s.length])
	var zero entry[K, V]
	s.entries[s.length-1] = zero
	s.length--
}

// Del removes k if present, fencing its per-entry lock first when entry
// locks are enabled (spec.md §4.B "Fine-grained entry locks", the inverse
// two-phase order relative to Lock).
func (s *Store[K, V]) Del(k K) bool {
	s.mu.Lock()
	idx, found := s.search(k)
	if !found {
		s.mu.Unlock()
		return false
	}
	el := s.entries[idx].lock
	if el != nil {
		s.mu.Unlock()
		el.fence()
		s.mu.Lock()
		idx, found = s.search(k)
		if !found {
			s.mu.Unlock()
			return false
		}
	}
	s.removeAt(idx)
	w := s.watcher
	s.mu.Unlock()
	if w != nil {
		var zero V
		w(OpDel, k, zero)
	}
	return true
}

// RemoveValue pops the entry at (wrapped) index i — -1 means the last
// entry — writing its value into out if out is non-nil. Returns false on a
// range error against an empty store (spec.md §4.B).
func (s *Store[K, V]) RemoveValue(i int, out *V) bool {
	s.mu.Lock()
	if s.length == 0 {
		s.mu.Unlock()
		return false
	}
	idx, _ := wrapIndex(i, s.length)
	el := s.entries[idx].lock
	if el != nil {
		s.mu.Unlock()
		el.fence()
		s.mu.Lock()
		if s.length == 0 {
			s.mu.Unlock()
			return false
		}
		idx, _ = wrapIndex(i, s.length)
	}
	k := s.entries[idx].key
	if out != nil {
		*out = s.val.Clone(s.entries[idx].value)
	}
	s.removeAt(idx)
	w := s.watcher
	s.mu.Unlock()
	if w != nil {
		var zero V
		w(OpDel, k, zero)
	}
	return true
}

// Pop removes and returns the last entry in key order (RemoveValue(-1,
// out)). In a FIFO store, whose keys are push timestamps, that is the most
// recently pushed value, giving LIFO order over successive calls.
func (s *Store[K, V]) Pop(out *V) bool { return s.RemoveValue(-1, out) }

// Next removes and returns the first entry in key order (RemoveValue(0,
// out)). In a FIFO store that is the oldest pushed value, giving FIFO order
// over successive calls.
func (s *Store[K, V]) Next(out *V) bool { return s.RemoveValue(0, out) }

// Count returns the current number of entries.
func (s *Store[K, V]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

// Lock acquires the lock guarding the entry for k, per spec.md §4.B's
// two-phase acquire-then-verify discipline: take the store lock, find the
// entry, drop the store lock, then block on the entry's own mutex,
// re-checking it hasn't been fenced out by a racing Del in the meantime. If
// entry locks are disabled, this falls back to holding the store lock for
// the duration. The returned release func must be called exactly once.
func (s *Store[K, V]) Lock(k K) (release func(), ok bool) {
	s.mu.Lock()
	idx, found := s.search(k)
	if !found {
		s.mu.Unlock()
		return nil, false
	}
	el := s.entries[idx].lock
	if el == nil {
		return s.mu.Unlock, true
	}
	s.mu.Unlock()
	if !el.lock() {
		return nil, false
	}
	return el.unlock, true
}

// TryLock is the non-blocking sibling of Lock (spec.md Design Notes Open
// Question (iii): the source is ambiguous about try-once vs. wait
// semantics, so both are exposed as distinct named methods). It never
// blocks on the entry mutex; it returns false immediately if the mutex is
// already held.
func (s *Store[K, V]) TryLock(k K) (release func(), ok bool) {
	s.mu.Lock()
	idx, found := s.search(k)
	if !found {
		s.mu.Unlock()
		return nil, false
	}
	el := s.entries[idx].lock
	if el == nil {
		return s.mu.Unlock, true
	}
	s.mu.Unlock()
	if !el.tryLock() {
		return nil, false
	}
	return el.unlock, true
}

// Free empties the store, releasing every entry. Callers who also have
// replication active must close that session first (kvmesh.Handle.Free
// does this); Free itself only tears down storage.
func (s *Store[K, V]) Free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.length = 0
	s.watcher = nil
}

// Debug renders an aligned key/value table for diagnostics, grounded on the
// teacher's use of brimtext.Align for its own stats dump (valuesstore.go).
func (s *Store[K, V]) Debug() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([][]string, 0, s.length+1)
	rows = append(rows, []string{"#", "key", "value"})
	for i := 0; i < s.length; i++ {
		rows = append(rows, []string{
			fmt.Sprintf("%d", i),
			s.key.Debug(s.entries[i].key),
			s.val.Debug(s.entries[i].value),
		})
	}
	var b strings.Builder
	b.WriteString(brimtext.Align(rows, nil))
	return b.String()
}
