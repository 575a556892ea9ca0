// Package multicast is the thin UDP multicast transport of spec.md §4.C: it
// opens a socket joined to the fixed group, and offers send-to-group plus a
// timed, non-blocking-capable receive. All packet framing lives one layer up
// in package replication; this package does not know about opcodes.
//
// Grounded on the teacher's msg.go MsgConn: a net.Conn wrapped with
// read/write deadlines and a close-unblocks-pending-reads shutdown idiom.
// kvmesh swaps MsgConn's TCP ring connection for a UDP multicast socket,
// since spec.md §4.C specifies datagram multicast rather than the teacher's
// point-to-point ring.
package multicast

import (
	"fmt"
	"net"
	"time"
)

// Group is the fixed multicast group address spec.md §6.2 mandates.
const Group = "239.0.0.1"

// Transport is the minimal surface the replication engine needs: send a
// datagram to the group on a given port, and receive with a bounded wait so
// the caller can observe shutdown requests (spec.md §4.C: "readiness before
// receive is checked via a timed waiter... so the background task can
// observe shutdown requests").
type Transport interface {
	Send(port int, b []byte) error
	// Recv blocks for up to timeout waiting for a datagram. Returns 0, nil
	// on timeout (spec.md: "returning the number of bytes received or zero
	// on timeout/would-block").
	Recv(b []byte, timeout time.Duration) (int, error)
	Close() error
}

// udpTransport is the real implementation, one per replicated store.
type udpTransport struct {
	conn *net.UDPConn
	port int
}

// Open binds to port with address reuse semantics (via net's own
// ListenMulticastUDP, which sets SO_REUSEADDR on platforms that need it)
// and joins the fixed multicast group. Grounded on msg.go's NewMsgConn,
// adapted from wrapping an already-dialed net.Conn to opening the multicast
// listener itself, since spec.md §4.C assigns socket setup to this layer.
func Open(port int) (Transport, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("multicast: invalid port %d", port)
	}
	addr := &net.UDPAddr{IP: net.ParseIP(Group), Port: port}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("multicast: listen %s:%d: %w", Group, port, err)
	}
	return &udpTransport{conn: conn, port: port}, nil
}

func (t *udpTransport) Send(port int, b []byte) error {
	addr := &net.UDPAddr{IP: net.ParseIP(Group), Port: port}
	_, err := t.conn.WriteToUDP(b, addr)
	return err
}

// Recv implements the timed waiter: SetReadDeadline is the select-equivalent
// spec.md §4.C calls for. A deadline timeout is reported as (0, nil) rather
// than an error, matching the "zero on timeout/would-block" contract; any
// other error (in particular, the one produced by Close unblocking a
// pending read) is passed through for the caller to interpret.
func (t *udpTransport) Recv(b []byte, timeout time.Duration) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := t.conn.Read(b)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

// Close closes the socket, unblocking any pending Recv (spec.md §4.D.5:
// "Close... closes the socket (this unblocks receive)").
func (t *udpTransport) Close() error {
	return t.conn.Close()
}
