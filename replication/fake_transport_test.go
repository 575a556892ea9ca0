package replication

import (
	"errors"
	"sync"
	"time"
)

// fakeMedium is an in-process stand-in for a multicast group: every
// fakeTransport sharing a medium receives every other (and its own, since
// real multicast sockets loop back to the sender by default) datagram sent
// to it, without touching an actual socket.
type fakeMedium struct {
	mu   sync.Mutex
	subs []*fakeTransport
}

func newFakeMedium() *fakeMedium { return &fakeMedium{} }

func (m *fakeMedium) join(t *fakeTransport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, t)
}

func (m *fakeMedium) broadcast(from *fakeTransport, b []byte) {
	m.mu.Lock()
	subs := append([]*fakeTransport(nil), m.subs...)
	m.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	for _, t := range subs {
		t.deliver(cp)
	}
}

type fakeTransport struct {
	medium *fakeMedium
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport(m *fakeMedium) *fakeTransport {
	t := &fakeTransport{medium: m, inbox: make(chan []byte, 64), closed: make(chan struct{})}
	m.join(t)
	return t
}

func (t *fakeTransport) deliver(b []byte) {
	select {
	case t.inbox <- b:
	case <-t.closed:
	default:
		// drop on a full inbox, matching a real socket's behaviour under
		// receiver backpressure rather than blocking the sender.
	}
}

func (t *fakeTransport) Send(port int, b []byte) error {
	select {
	case <-t.closed:
		return errors.New("fakeTransport: closed")
	default:
	}
	t.medium.broadcast(t, b)
	return nil
}

func (t *fakeTransport) Recv(b []byte, timeout time.Duration) (int, error) {
	select {
	case <-t.closed:
		return 0, errors.New("fakeTransport: closed")
	default:
	}
	if timeout <= 0 {
		select {
		case m := <-t.inbox:
			return copy(b, m), nil
		default:
			return 0, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-t.inbox:
		return copy(b, m), nil
	case <-timer.C:
		return 0, nil
	case <-t.closed:
		return 0, errors.New("fakeTransport: closed")
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
