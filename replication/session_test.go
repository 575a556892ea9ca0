package replication

import (
	"testing"
	"time"

	"github.com/kvmesh/kvmesh/store"
	"github.com/kvmesh/kvmesh/typedesc"
)

func testOpts() []Option {
	return []Option{
		WithStartWindow(30 * time.Millisecond),
		WithRunTick(10 * time.Millisecond),
		WithSyncTick(5 * time.Millisecond),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// TestSessionPropagatesSet covers spec.md §4.D.3: a local Set on one store
// is observed as a SET on a peer sharing the same medium and hash id.
func TestSessionPropagatesSet(t *testing.T) {
	medium := newFakeMedium()

	aStore := store.New[string, string](typedesc.String, typedesc.String)
	bStore := store.New[string, string](typedesc.String, typedesc.String)

	aSess, err := startWithTransport[string, string](newFakeTransport(medium), 9000, aStore.ID(), typedesc.String, typedesc.String, aStore, testOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer aSess.Close()
	bSess, err := startWithTransport[string, string](newFakeTransport(medium), 9000, bStore.ID(), typedesc.String, typedesc.String, bStore, testOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer bSess.Close()

	aStore.SetWatcher(aSess.onMutate)
	bStore.SetWatcher(bSess.onMutate)

	aStore.Set("k1", "v1")

	var v string
	waitFor(t, time.Second, func() bool { return bStore.Get("k1", &v) && v == "v1" })
}

// TestSessionPropagatesDelete covers the delete side of spec.md §4.D.3.
func TestSessionPropagatesDelete(t *testing.T) {
	medium := newFakeMedium()

	aStore := store.New[string, string](typedesc.String, typedesc.String)
	bStore := store.New[string, string](typedesc.String, typedesc.String)

	aSess, err := startWithTransport[string, string](newFakeTransport(medium), 9001, aStore.ID(), typedesc.String, typedesc.String, aStore, testOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer aSess.Close()
	bSess, err := startWithTransport[string, string](newFakeTransport(medium), 9001, bStore.ID(), typedesc.String, typedesc.String, bStore, testOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer bSess.Close()

	aStore.SetWatcher(aSess.onMutate)
	bStore.SetWatcher(bSess.onMutate)

	aStore.Set("k1", "v1")
	waitFor(t, time.Second, func() bool { return bStore.HasKey("k1") })

	aStore.Del("k1")
	waitFor(t, time.Second, func() bool { return !bStore.HasKey("k1") })
}

// TestSessionStatSyncConvergence covers spec.md §8 scenario 6: a joiner with
// an empty store discovers a populated peer via STAT_REQ/STAT and converges
// via SYNC.
func TestSessionStatSyncConvergence(t *testing.T) {
	medium := newFakeMedium()

	aStore := store.New[string, string](typedesc.String, typedesc.String)
	for i := 0; i < 6; i++ {
		aStore.Set(string(rune('a'+i)), string(rune('A'+i)))
	}

	aSess, err := startWithTransport[string, string](newFakeTransport(medium), 9002, aStore.ID(), typedesc.String, typedesc.String, aStore, testOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer aSess.Close()
	aStore.SetWatcher(aSess.onMutate)

	// b joins later, empty; its own STAT_REQ should prompt a's STAT, which
	// should drive b into SYNC and pick up all 6 pairs.
	bStore := store.New[string, string](typedesc.String, typedesc.String)
	bSess, err := startWithTransport[string, string](newFakeTransport(medium), 9002, bStore.ID(), typedesc.String, typedesc.String, bStore, testOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer bSess.Close()
	bStore.SetWatcher(bSess.onMutate)

	waitFor(t, 2*time.Second, func() bool { return bStore.Count() == 6 })
	for i := 0; i < 6; i++ {
		var v string
		k := string(rune('a' + i))
		if !bStore.Get(k, &v) || v != string(rune('A'+i)) {
			t.Fatalf("peer did not converge on key %q", k)
		}
	}
}

// TestSessionIgnoresForeignHashID ensures packets for a different store
// identity never cross over (spec.md §4.D.4).
func TestSessionIgnoresForeignHashID(t *testing.T) {
	medium := newFakeMedium()

	aStore := store.New[string, string](typedesc.String, typedesc.String)
	bStore := store.New[int, int](typedesc.Int, typedesc.Int)

	aSess, err := startWithTransport[string, string](newFakeTransport(medium), 9003, aStore.ID(), typedesc.String, typedesc.String, aStore, testOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer aSess.Close()
	aStore.SetWatcher(aSess.onMutate)

	bSess, err := startWithTransport[int, int](newFakeTransport(medium), 9003, bStore.ID(), typedesc.Int, typedesc.Int, bStore, testOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer bSess.Close()
	bStore.SetWatcher(bSess.onMutate)

	aStore.Set("k1", "v1")
	time.Sleep(100 * time.Millisecond)
	if bStore.Count() != 0 {
		t.Fatalf("cross-identity leakage: bStore.Count() = %d, want 0", bStore.Count())
	}
}

// TestSessionClose checks that Close returns without error; Close joins the
// worker, so a worker that never unblocks makes this test hang.
func TestSessionClose(t *testing.T) {
	medium := newFakeMedium()
	st := store.New[string, string](typedesc.String, typedesc.String)
	sess, err := startWithTransport[string, string](newFakeTransport(medium), 9004, st.ID(), typedesc.String, typedesc.String, st, testOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
