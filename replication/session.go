package replication

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	"github.com/kvmesh/kvmesh/multicast"
	"github.com/kvmesh/kvmesh/store"
	"github.com/kvmesh/kvmesh/typedesc"
)

// State is the replication state machine's current phase (spec.md §4.D.1).
type State int

const (
	StateStart State = iota
	StateRun
	StateStartSync
	StateSync
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateRun:
		return "RUN"
	case StateStartSync:
		return "START_SYNC"
	case StateSync:
		return "SYNC"
	default:
		return "UNKNOWN"
	}
}

// Backend is the slice of *store.Store[K,V] the session needs: enough to
// apply inbound SET/DEL, answer STAT_REQ, and stream a SYNC burst, without
// the replication package depending on the generic Store type signature any
// more than it has to.
type Backend[K any, V any] interface {
	Set(k K, v V) bool
	Del(k K) bool
	Count() int
	Item(i int, out *V) bool
	KeyAt(i int) K
	SetWatcher(w store.Watcher[K, V])
}

// Session is one background replication worker bound to a single store, per
// spec.md §3.4/§4.D. Grounded on the teacher's pattern of one background
// state-machine goroutine per concern (tombstoneDiscardState,
// pullReplicationState, ... in valuestore_GEN_.go), generalized to the one
// state machine spec.md actually specifies, and on msg.go's
// start()/close() handshake for the worker lifecycle.
type Session[K any, V any] struct {
	transport multicast.Transport
	port      int
	hashID    uint32
	self      uint32
	key       typedesc.Descriptor[K]
	val       typedesc.Descriptor[V]
	backend   Backend[K, V]
	opts      *Options

	startedMu sync.Mutex
	started   bool
	startedCh chan struct{}

	stateMu    sync.Mutex
	state      State
	maxCount   uint64
	maxNode    uint32
	syncCursor int

	cancel  context.CancelFunc
	group   *errgroup.Group
	groupCtx context.Context
}

// newSelf mints a session-unique node id: a fresh uuid, folded to 32 bits
// via murmur3, so self-echoes can be filtered without handing out
// predictable sequential ids (spec.md §3.4 "self — a node-local unique id
// assigned at session creation", Glossary "Node id (self)").
func newSelf() uint32 {
	id := uuid.New()
	h := murmur3.Sum32(id[:])
	return h
}

// Start opens the multicast transport, spawns the worker goroutine, and
// blocks until the worker has entered its main loop (spec.md §4.D.5:
// "NetStart... blocks on a condition variable that the worker signals once
// it has entered its main loop"). Grounded on msg.go's MsgConn.start()
// spawning reading()/writing() goroutines; here a single worker goroutine
// runs the whole state machine, and golang.org/x/sync/errgroup supplies the
// group/cancellation plumbing in place of the teacher's raw channels.
func Start[K any, V any](port int, hashID uint32, key typedesc.Descriptor[K], val typedesc.Descriptor[V], backend Backend[K, V], opts ...Option) (*Session[K, V], error) {
	transport, err := multicast.Open(port)
	if err != nil {
		return nil, err
	}
	return startWithTransport(transport, port, hashID, key, val, backend, opts...)
}

// startWithTransport is Start with the transport already constructed,
// letting tests substitute an in-process fake for the real UDP socket
// without touching the network.
func startWithTransport[K any, V any](transport multicast.Transport, port int, hashID uint32, key typedesc.Descriptor[K], val typedesc.Descriptor[V], backend Backend[K, V], opts ...Option) (*Session[K, V], error) {
	o := resolveOptions(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	s := &Session[K, V]{
		transport: transport,
		port:      port,
		hashID:    hashID,
		self:      newSelf(),
		key:       key,
		val:       val,
		backend:   backend,
		opts:      o,
		state:     StateStart,
		startedCh: make(chan struct{}),
		cancel:    cancel,
		group:     group,
		groupCtx:  groupCtx,
	}
	group.Go(func() error {
		s.run(groupCtx)
		return nil
	})
	<-s.startedCh
	backend.SetWatcher(s.onMutate)
	return s, nil
}

// Close sets the poison condition (cancel the worker context, close the
// socket to unblock any pending receive) and joins the worker, per spec.md
// §4.D.5 / §3.4's ReplicationSession lifecycle.
func (s *Session[K, V]) Close() error {
	s.cancel()
	err := s.transport.Close()
	_ = s.group.Wait()
	return err
}

// State reports the worker's current phase for diagnostics. Per spec.md §5
// ("the replication session's state field is written only by the worker;
// other threads only read it transiently for diagnostics"), this is a
// best-effort snapshot, not a synchronization point.
func (s *Session[K, V]) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// onMutate is the local mutation hook wired into the backing store's
// Watcher; it emits exactly one packet per local Set/Del, per spec.md
// §4.D.3. Send failures are logged and dropped — the local store remains
// authoritative (spec.md: "Send failure is logged and silently dropped").
func (s *Session[K, V]) onMutate(op store.MutationOp, k K, v V) {
	var b []byte
	var err error
	switch op {
	case store.OpSet:
		b, err = EncodeSet(s.key, s.val, s.hashID, s.self, k, v)
	case store.OpDel:
		b, err = EncodeDel(s.key, s.hashID, s.self, k)
	}
	if err != nil {
		s.opts.Log("replication: encode %v: %v", op, err)
		return
	}
	if err := s.transport.Send(s.port, b); err != nil {
		s.opts.Log("replication: send %v: %v", op, err)
	}
}

// run is the worker's main loop: spec.md §4.D.1's state machine, driven by
// a receive-with-timeout that doubles as both "wait for inbound packets"
// and "wake up often enough to observe shutdown" (spec.md §5: "the worker
// wakes at least twice per second to observe shutdown").
func (s *Session[K, V]) run(ctx context.Context) {
	s.announce(EncodeStatReq(s.hashID, s.self))
	startDeadline := time.Now().Add(s.opts.StartWindow)

	buf := make([]byte, 65536)
	s.markStarted()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tick := s.opts.RunTick
		if s.State() == StateStart {
			tick = s.opts.StartWindow
			if remaining := time.Until(startDeadline); remaining > 0 && remaining < tick {
				tick = remaining
			}
		}
		if s.State() == StateSync {
			tick = s.opts.SyncTick
		}

		n, err := s.transport.Recv(buf, tick)
		if err != nil {
			// Socket error (including Close unblocking us): brief sleep,
			// retry, per spec.md §4.D.6 — unless the context is already
			// cancelled, in which case we're shutting down.
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.opts.Log("replication: recv: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if n > 0 {
			s.drainAll(buf, n, ctx)
		}

		if s.State() == StateStart && !time.Now().Before(startDeadline) {
			s.finishStart()
		}
		if s.State() == StateStartSync {
			s.beginSync()
		}
		if s.State() == StateSync {
			s.stepSync()
		}
	}
}

// drainAll processes the datagram already read into buf[:n], then drains
// every further datagram that is immediately available without blocking
// (spec.md §4.D.4: "drains all available datagrams non-blockingly").
func (s *Session[K, V]) drainAll(buf []byte, n int, ctx context.Context) {
	s.handle(buf[:n])
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m, err := s.transport.Recv(buf, 0)
		if err != nil || m == 0 {
			return
		}
		s.handle(buf[:m])
	}
}

// handle dispatches one inbound datagram per spec.md §4.D.4.
func (s *Session[K, V]) handle(b []byte) {
	hdr, payload, err := DecodeHeader(b)
	if err != nil {
		s.opts.Log("replication: %v", err)
		return
	}
	if hdr.HashID != s.hashID {
		return // wrong store
	}
	if hdr.NodeID == s.self {
		return // own echo
	}
	switch hdr.Opcode {
	case OpNop:
	case OpSet:
		k, v, err := DecodeSet(s.key, s.val, payload)
		if err != nil {
			s.opts.Log("replication: decode SET: %v", err)
			return
		}
		s.backend.Set(k, v)
	case OpDel:
		k, err := DecodeDel(s.key, payload)
		if err != nil {
			s.opts.Log("replication: decode DEL: %v", err)
			return
		}
		s.backend.Del(k)
	case OpStatReq:
		s.handleStatReq()
	case OpStat:
		s.handleStat(hdr.NodeID, payload)
	case OpSync:
		s.handleSync(payload)
	default:
		s.opts.Log("replication: unknown opcode %v", hdr.Opcode)
	}
}

// handleStatReq replies with the current count, suppressed when zero
// (spec.md §4.D.2). This acquires the store's read lock briefly via
// Backend.Count, resolving spec.md Design Notes Open Question (i) in favor
// of the strict reading ("a strict implementation should acquire it
// briefly") rather than the source's lock-free read.
func (s *Session[K, V]) handleStatReq() {
	count := s.backend.Count()
	if count == 0 {
		return
	}
	s.announce(EncodeStat(s.hashID, s.self, uint64(count)))
}

// handleStat updates (maxNode, maxCount) during START, per spec.md §4.D.1.
// The STAT payload itself is just the count (spec.md §4.D.2); the candidate
// node id comes from the packet header, passed in by the caller.
func (s *Session[K, V]) handleStat(nodeID uint32, payload []byte) {
	count, err := DecodeStat(payload)
	if err != nil {
		s.opts.Log("replication: decode STAT: %v", err)
		return
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateStart {
		return
	}
	if count > s.maxCount {
		s.maxCount = count
		s.maxNode = nodeID
	}
}

// handleSync arms START_SYNC when the SYNC packet is addressed to us
// (spec.md §4.D.1: "Entered from RUN upon observing OP_SYNC(target=self)").
func (s *Session[K, V]) handleSync(payload []byte) {
	target, err := DecodeSync(payload)
	if err != nil {
		s.opts.Log("replication: decode SYNC: %v", err)
		return
	}
	if target != s.self {
		return
	}
	s.stateMu.Lock()
	if s.state == StateRun {
		s.state = StateStartSync
	}
	s.stateMu.Unlock()
}

// finishStart transitions START -> RUN, emitting a SYNC request addressed
// to the peer with the largest observed count, if any (spec.md §4.D.1).
func (s *Session[K, V]) finishStart() {
	s.stateMu.Lock()
	maxCount, maxNode := s.maxCount, s.maxNode
	s.state = StateRun
	s.stateMu.Unlock()
	if maxCount > uint64(s.backend.Count()) && maxNode != 0 {
		s.announce(EncodeSync(s.hashID, s.self, maxNode))
	}
}

// beginSync initializes the streaming cursor and falls through to SYNC in
// the same tick (spec.md §4.D.1: "Initialises a cursor to index 0 and
// transitions to SYNC (fall-through in the same tick)").
func (s *Session[K, V]) beginSync() {
	s.stateMu.Lock()
	s.syncCursor = 0
	s.state = StateSync
	s.stateMu.Unlock()
	s.stepSync()
}

// stepSync emits one SET for the entry at the cursor and advances it; once
// the cursor reaches the store's length, transitions back to RUN (spec.md
// §4.D.1).
func (s *Session[K, V]) stepSync() {
	s.stateMu.Lock()
	cursor := s.syncCursor
	s.stateMu.Unlock()

	if cursor >= s.backend.Count() {
		s.stateMu.Lock()
		s.state = StateRun
		s.stateMu.Unlock()
		return
	}
	k := s.backend.KeyAt(cursor)
	var v V
	s.backend.Item(cursor, &v)
	b, err := EncodeSet(s.key, s.val, s.hashID, s.self, k, v)
	if err != nil {
		s.opts.Log("replication: sync encode: %v", err)
	} else if err := s.transport.Send(s.port, b); err != nil {
		s.opts.Log("replication: sync send: %v", err)
	}
	s.stateMu.Lock()
	s.syncCursor++
	s.stateMu.Unlock()
}

func (s *Session[K, V]) announce(b []byte) {
	if err := s.transport.Send(s.port, b); err != nil {
		s.opts.Log("replication: announce: %v", err)
	}
}

func (s *Session[K, V]) markStarted() {
	s.startedMu.Lock()
	defer s.startedMu.Unlock()
	if !s.started {
		s.started = true
		close(s.startedCh)
	}
}
