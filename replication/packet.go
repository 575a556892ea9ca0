// Package replication implements the replication engine of spec.md §4.D: a
// small state machine (START -> RUN -> START_SYNC -> SYNC) that announces
// local mutations, discovers peers, and catches a joining store up via a
// bounded STAT/SYNC handshake, all framed over package multicast.
package replication

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kvmesh/kvmesh/typedesc"
)

// Opcode is the wire opcode byte of spec.md §4.D.2.
type Opcode byte

const (
	OpNop     Opcode = 0xEF
	OpSet     Opcode = 0x01
	OpDel     Opcode = 0x02
	OpSync    Opcode = 0x03
	OpStatReq Opcode = 0x04
	OpStat    Opcode = 0x05
)

func (o Opcode) String() string {
	switch o {
	case OpNop:
		return "NOP"
	case OpSet:
		return "SET"
	case OpDel:
		return "DEL"
	case OpSync:
		return "SYNC"
	case OpStatReq:
		return "STAT_REQ"
	case OpStat:
		return "STAT"
	default:
		return fmt.Sprintf("Opcode(%#x)", byte(o))
	}
}

// HeaderSize is the fixed 11-byte packet header of spec.md §4.D.2.
const HeaderSize = 11

// Header is the fixed, little-endian, struct-packed packet header: total
// length (including header), hash identity, sender node id, opcode.
//
// Grounded on the teacher's msg.go manual byte-shifting framing
// (mc.writing's `for i := mc.typeBytes - 1; ...; b[i] = byte(t); t >>= 8`),
// adapted to spec.md's fixed little-endian layout instead of the teacher's
// configurable big-endian-style type/length prefix.
type Header struct {
	TotalLen uint16
	HashID   uint32
	NodeID   uint32
	Opcode   Opcode
}

func encodeHeader(h Header, payloadLen int) []byte {
	b := make([]byte, HeaderSize, HeaderSize+payloadLen)
	binary.LittleEndian.PutUint16(b[0:2], uint16(HeaderSize+payloadLen))
	binary.LittleEndian.PutUint32(b[2:6], h.HashID)
	binary.LittleEndian.PutUint32(b[6:10], h.NodeID)
	b[10] = byte(h.Opcode)
	return b
}

// ErrShortPacket is returned by DecodeHeader when a datagram is smaller than
// the fixed header (spec.md §4.D.6: "Under-sized datagrams: logged,
// discarded").
var ErrShortPacket = fmt.Errorf("replication: short packet")

// DecodeHeader parses the fixed header from the front of b and returns it
// along with the remaining payload bytes (sliced to the header's own
// totalLen, not merely len(b), so trailing garbage past a short datagram
// doesn't leak into payload decoding).
func DecodeHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, ErrShortPacket
	}
	h := Header{
		TotalLen: binary.LittleEndian.Uint16(b[0:2]),
		HashID:   binary.LittleEndian.Uint32(b[2:6]),
		NodeID:   binary.LittleEndian.Uint32(b[6:10]),
		Opcode:   Opcode(b[10]),
	}
	if int(h.TotalLen) < HeaderSize || int(h.TotalLen) > len(b) {
		return Header{}, nil, ErrShortPacket
	}
	return h, b[HeaderSize:h.TotalLen], nil
}

// EncodeNop builds a NOP packet (spec.md: "wakes the receiver; no state
// change").
func EncodeNop(hashID, nodeID uint32) []byte {
	return encodeHeader(Header{HashID: hashID, NodeID: nodeID, Opcode: OpNop}, 0)
}

// EncodeStatReq builds a STAT_REQ packet.
func EncodeStatReq(hashID, nodeID uint32) []byte {
	return encodeHeader(Header{HashID: hashID, NodeID: nodeID, Opcode: OpStatReq}, 0)
}

// EncodeStat builds a STAT reply carrying the sender's current entry count.
// Per spec.md §4.D.2, STAT is "suppressed when count is 0" — callers decide
// whether to send at all; this only encodes the packet.
func EncodeStat(hashID, nodeID uint32, count uint64) []byte {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint64(p, count)
	b := encodeHeader(Header{HashID: hashID, NodeID: nodeID, Opcode: OpStat}, len(p))
	return append(b, p...)
}

// DecodeStat reads the count payload of a STAT packet.
func DecodeStat(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, ErrShortPacket
	}
	return binary.LittleEndian.Uint64(payload[:8]), nil
}

// EncodeSync builds a SYNC packet requesting the addressed peer (target
// node id) stream its entries.
func EncodeSync(hashID, nodeID, target uint32) []byte {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, target)
	b := encodeHeader(Header{HashID: hashID, NodeID: nodeID, Opcode: OpSync}, len(p))
	return append(b, p...)
}

// DecodeSync reads the target node id payload of a SYNC packet.
func DecodeSync(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, ErrShortPacket
	}
	return binary.LittleEndian.Uint32(payload[:4]), nil
}

// EncodeSet builds a SET packet carrying key ‖ value, encoded through the
// type descriptors exactly as the storage engine encodes them for snapshots
// (spec.md §4.D.3: "Insert/update -> OP_SET with the entry's bytes").
func EncodeSet[K any, V any](key typedesc.Descriptor[K], val typedesc.Descriptor[V], hashID, nodeID uint32, k K, v V) ([]byte, error) {
	var buf bytes.Buffer
	if err := key.Encode(&buf, k); err != nil {
		return nil, err
	}
	if err := val.Encode(&buf, v); err != nil {
		return nil, err
	}
	b := encodeHeader(Header{HashID: hashID, NodeID: nodeID, Opcode: OpSet}, buf.Len())
	return append(b, buf.Bytes()...), nil
}

// DecodeSet reconstructs (key, value) from a SET packet's payload.
func DecodeSet[K any, V any](key typedesc.Descriptor[K], val typedesc.Descriptor[V], payload []byte) (K, V, error) {
	r := bytes.NewReader(payload)
	k, err := key.Decode(r)
	if err != nil {
		var zeroK K
		var zeroV V
		return zeroK, zeroV, err
	}
	v, err := val.Decode(r)
	if err != nil {
		var zeroV V
		return k, zeroV, err
	}
	return k, v, nil
}

// EncodeDel builds a DEL packet carrying just the key (spec.md §4.D.3:
// "Delete -> OP_DEL with the key's bytes").
func EncodeDel[K any](key typedesc.Descriptor[K], hashID, nodeID uint32, k K) ([]byte, error) {
	var buf bytes.Buffer
	if err := key.Encode(&buf, k); err != nil {
		return nil, err
	}
	b := encodeHeader(Header{HashID: hashID, NodeID: nodeID, Opcode: OpDel}, buf.Len())
	return append(b, buf.Bytes()...), nil
}

// DecodeDel reconstructs the key from a DEL packet's payload.
func DecodeDel[K any](key typedesc.Descriptor[K], payload []byte) (K, error) {
	r := bytes.NewReader(payload)
	k, err := key.Decode(r)
	if err != nil && err != io.EOF {
		var zero K
		return zero, err
	}
	return k, nil
}
