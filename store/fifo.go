package store

import (
	"sync"
	"time"

	brimtime "gopkg.in/gholt/brimtime.v1"

	"github.com/kvmesh/kvmesh/typedesc"
)

// FIFO wraps a Store keyed by generated timestamps, realizing spec.md
// §3.1's FIFO flavour: "keys are timestamps generated at push time; the
// sequence is monotonically non-decreasing by timestamp and strictly
// increasing except under tied clock reads (ties broken by insertion
// order)". Grounded on the teacher's use of gopkg.in/gholt/brimtime.v1 as
// the canonical timestamp source for store modifications (package.go's doc
// comment names brimtime.TimeToUnixMicro explicitly).
type FIFO[V any] struct {
	*Store[time.Time, V]
	mu   sync.Mutex
	last time.Time
}

// NewFIFO builds a FIFO-flavoured store for values of type V.
func NewFIFO[V any](val typedesc.Descriptor[V], opts ...Option) *FIFO[V] {
	return &FIFO[V]{Store: New[time.Time, V](typedesc.Timestamp, val, opts...)}
}

// nowMicro canonicalizes time.Now() through brimtime's microsecond
// round-trip, matching the resolution the teacher's own modification
// timestamps use.
func nowMicro() time.Time {
	micro := brimtime.TimeToUnixMicro(time.Now())
	return time.Unix(micro/1e6, (micro%1e6)*1000).UTC()
}

// Push inserts v under a freshly generated monotonic timestamp key. Two
// pushes that land on the same microsecond are disambiguated by bumping the
// clock forward by one microsecond, which is how insertion order breaks
// ties per spec.md §3.1: the later call always sorts after the earlier one.
func (f *FIFO[V]) Push(v V) bool {
	f.mu.Lock()
	ts := nowMicro()
	if !ts.After(f.last) {
		ts = f.last.Add(time.Microsecond)
	}
	f.last = ts
	f.mu.Unlock()
	return f.Store.Set(ts, v)
}

// Pop removes and returns the most recently pushed value (LIFO).
func (f *FIFO[V]) Pop(out *V) bool { return f.Store.Pop(out) }

// Next removes and returns the oldest pushed value still present (FIFO).
func (f *FIFO[V]) Next(out *V) bool { return f.Store.Next(out) }
