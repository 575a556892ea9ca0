// Package kvmesh is the root facade of spec.md §6.1: for each store it binds
// the storage engine, its type descriptors, and an optional replication
// session behind one uniform handle (Get/Set/Pop/Next/Push/Ref/Val/Count/
// KeyAt/Item/Index/HasKey/Del/Load/Save/Free/NetStart).
//
// Grounded on the teacher's valuesstore.go, which plays the analogous role
// of gluing together a ValueStore, its ring, and its replication feeders
// behind one constructed value; here the ring is gone (spec.md has no
// cluster-membership concept) and what's glued together is the generic
// store and the UDP-multicast replication session instead.
package kvmesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/kvmesh/kvmesh/kvlog"
	"github.com/kvmesh/kvmesh/replication"
	"github.com/kvmesh/kvmesh/store"
	"github.com/kvmesh/kvmesh/typedesc"
)

// Handle binds a Store to an optional replication session. One Handle per
// store instance, built with New or NewFIFO.
type Handle[K any, V any] struct {
	key typedesc.Descriptor[K]
	val typedesc.Descriptor[V]
	st  *store.Store[K, V]
	log kvlog.LogFunc

	netMu sync.Mutex
	port  int
	sess  *replication.Session[K, V]
}

// New builds a handle over an ordered store for the given descriptors
// (spec.md §3.1's ordered-map flavour).
func New[K any, V any](key typedesc.Descriptor[K], val typedesc.Descriptor[V], opts ...store.Option) *Handle[K, V] {
	o := &Handle[K, V]{key: key, val: val, st: store.New(key, val, opts...), log: kvlog.Nop}
	return o
}

// fifoHandle adapts store.FIFO (which embeds store.Store[time.Time, V]) to
// the same Handle surface, since spec.md §6.1 exposes Push/Pop/Next on the
// FIFO flavour through the identical facade shape.
type fifoHandle[V any] struct {
	*Handle[time.Time, V]
	fifo *store.FIFO[V]
}

// NewFIFO builds a handle over a FIFO-flavoured store for values of type V
// (spec.md §3.1/§6.1).
func NewFIFO[V any](val typedesc.Descriptor[V], opts ...store.Option) *fifoHandle[V] {
	f := store.NewFIFO(val, opts...)
	h := &Handle[time.Time, V]{key: typedesc.Timestamp, val: val, st: f.Store, log: kvlog.Nop}
	return &fifoHandle[V]{Handle: h, fifo: f}
}

// Push inserts v under a freshly generated timestamp key (FIFO only).
func (h *fifoHandle[V]) Push(v V) bool { return h.fifo.Push(v) }

// WithLog sets the handle's diagnostic log sink: it is passed to the
// replication session started by NetStart and receives the handle's own
// NetStart and Free failures. The store's Load/Save diagnostics go to the
// store's own Options.Log, not to this sink.
func (h *Handle[K, V]) WithLog(log kvlog.LogFunc) *Handle[K, V] {
	h.log = log
	return h
}

// Get writes a copy of the value stored for k into out, reporting presence.
func (h *Handle[K, V]) Get(k K, out *V) bool { return h.st.Get(k, out) }

// Set inserts or updates k/v, returning false only on allocation failure.
func (h *Handle[K, V]) Set(k K, v V) bool { return h.st.Set(k, v) }

// Pop removes and returns the last entry in key order (the most recently
// pushed value for a FIFO handle).
func (h *Handle[K, V]) Pop(out *V) bool { return h.st.Pop(out) }

// Next removes and returns the first entry in key order (the oldest pushed
// value for a FIFO handle).
func (h *Handle[K, V]) Next(out *V) bool { return h.st.Next(out) }

// Ref returns a non-owning pointer to the value stored for k, or nil.
func (h *Handle[K, V]) Ref(k K) *V { return h.st.Ref(k) }

// Val is an alias for Get, named per spec.md §6.1's API table.
func (h *Handle[K, V]) Val(k K, out *V) bool { return h.st.Get(k, out) }

// Count returns the number of entries currently stored.
func (h *Handle[K, V]) Count() int { return h.st.Count() }

// KeyAt returns the key at (wrapped) index i.
func (h *Handle[K, V]) KeyAt(i int) K { return h.st.KeyAt(i) }

// Item writes the value at (wrapped) index i into out.
func (h *Handle[K, V]) Item(i int, out *V) bool { return h.st.Item(i, out) }

// Index returns the index of k, or -1 if absent.
func (h *Handle[K, V]) Index(k K) int { return h.st.Index(k) }

// HasKey reports whether k is present.
func (h *Handle[K, V]) HasKey(k K) bool { return h.st.HasKey(k) }

// Del removes k if present.
func (h *Handle[K, V]) Del(k K) bool { return h.st.Del(k) }

// Load replaces the store's contents with a prior Save snapshot.
func (h *Handle[K, V]) Load(path string) bool { return h.st.Load(path) }

// Save writes the store's current contents to path.
func (h *Handle[K, V]) Save(path string) bool { return h.st.Save(path) }

// Dump renders an aligned debug table of the store's contents.
func (h *Handle[K, V]) Dump() string { return h.st.Debug() }

// NetStart begins replication on the given UDP multicast port (spec.md
// §6.1/§4.D.5). Idempotent: returns false if a session is already running
// or if port is out of [1, 65535], and false on bind failure, matching
// spec.md §7's ConfigError taxonomy entry for this operation.
func (h *Handle[K, V]) NetStart(port int) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	h.netMu.Lock()
	defer h.netMu.Unlock()
	if h.sess != nil {
		return false
	}
	sess, err := replication.Start(port, h.st.ID(), h.key, h.val, h.st, replication.WithLog(h.log))
	if err != nil {
		h.log("kvmesh: NetStart(%d): %v", port, err)
		return false
	}
	h.port = port
	h.sess = sess
	return true
}

// NetState reports the replication session's current state machine phase,
// or the zero State with ok=false if replication is not running.
func (h *Handle[K, V]) NetState() (state replication.State, ok bool) {
	h.netMu.Lock()
	defer h.netMu.Unlock()
	if h.sess == nil {
		return 0, false
	}
	return h.sess.State(), true
}

// Free tears down replication (if running) and then the backing store
// (spec.md §6.1: Free must not leave an orphaned replication goroutine
// behind).
func (h *Handle[K, V]) Free() {
	h.netMu.Lock()
	sess := h.sess
	h.sess = nil
	h.port = 0
	h.netMu.Unlock()
	if sess != nil {
		if err := sess.Close(); err != nil {
			h.log("kvmesh: replication close: %v", err)
		}
	}
	h.st.Free()
}

// String renders a short diagnostic summary, handy in %v/logging contexts.
func (h *Handle[K, V]) String() string {
	state := "stopped"
	if _, ok := h.NetState(); ok {
		state = "running"
	}
	return fmt.Sprintf("kvmesh.Handle{key=%s val=%s count=%d net=%s}", h.key.Name, h.val.Name, h.Count(), state)
}
