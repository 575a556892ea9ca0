// Package typedesc provides the per-type behaviour bundle (compare, copy,
// size, wire encode/decode, debug) that the storage engine needs but cannot
// know on its own.
//
// This plays the role spec.md calls the "type descriptor": instead of the
// macro-generated, void-pointer vtables of the original C source, each
// concrete (K, V) instantiation supplies a Descriptor[T] value built from
// ordinary functions. Go's generics make the macro layer unnecessary
// (spec.md Design Notes item 1).
package typedesc

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"
)

// MaxVariableSize is the contractual cap on variable-sized keys (spec.md
// §3.2): a string key's probed size is strlen+1, capped at 80 bytes. The
// "+1" is realized here as a one-byte length prefix rather than the
// original's null terminator, since the wire/snapshot formats need a
// self-describing length to decode a variable-sized field back out of a
// byte stream (spec.md §4.F, §6.2).
const MaxVariableSize = 80

// Descriptor bundles the behaviours spec.md §4.A requires for one concrete
// type: Name identifies the type for the identity tag (§6.3), Compare must
// be a total order, Clone produces an independent owned copy, Size reports
// the (possibly probed) wire/storage footprint, Encode/Decode realize the
// wire and snapshot codecs (§4.F, §6.2) for exactly that many bytes, and
// Debug renders a short human string.
type Descriptor[T any] struct {
	Name    string
	Compare func(a, b T) int
	Clone   func(v T) T
	Size    func(v T) int
	Encode  func(w io.Writer, v T) error
	Decode  func(r io.Reader) (T, error)
	Debug   func(v T) string
}

// clampSize enforces the §3.2 cap for variable-sized probes.
func clampSize(n int) int {
	if n > MaxVariableSize {
		return MaxVariableSize
	}
	return n
}

func writeFull(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}

func readFull(r io.Reader, b []byte) error {
	_, err := io.ReadFull(r, b)
	return err
}

// Int is the descriptor for plain int keys/values, encoded as a fixed
// 8-byte little-endian integer (spec.md §3.2: fixed size is sizeof T).
var Int = Descriptor[int]{
	Name: "int",
	Compare: func(a, b int) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	},
	Clone: func(v int) int { return v },
	Size:  func(int) int { return 8 },
	Encode: func(w io.Writer, v int) error {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(int64(v)))
		return writeFull(w, b[:])
	},
	Decode: func(r io.Reader) (int, error) {
		var b [8]byte
		if err := readFull(r, b[:]); err != nil {
			return 0, err
		}
		return int(int64(binary.LittleEndian.Uint64(b[:]))), nil
	},
	Debug: func(v int) string { return fmt.Sprintf("%d", v) },
}

// Int64 is the descriptor for int64 keys/values.
var Int64 = Descriptor[int64]{
	Name: "int64",
	Compare: func(a, b int64) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	},
	Clone: func(v int64) int64 { return v },
	Size:  func(int64) int { return 8 },
	Encode: func(w io.Writer, v int64) error {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		return writeFull(w, b[:])
	},
	Decode: func(r io.Reader) (int64, error) {
		var b [8]byte
		if err := readFull(r, b[:]); err != nil {
			return 0, err
		}
		return int64(binary.LittleEndian.Uint64(b[:])), nil
	},
	Debug: func(v int64) string { return fmt.Sprintf("%d", v) },
}

// String is the descriptor for string keys/values. Size is probed
// (strlen+1) and capped at MaxVariableSize per spec.md §3.2 — the cap is
// part of the wire/on-disk contract, not merely an implementation detail:
// Encode truncates content past 79 bytes so the field never exceeds the
// cap, matching the source's strlen+1-capped-at-80 contract exactly.
var String = Descriptor[string]{
	Name:    "string",
	Compare: func(a, b string) int { return strings.Compare(a, b) },
	Clone:   func(v string) string { return strings.Clone(v) },
	Size:    func(v string) int { return clampSize(len(v) + 1) },
	Encode: func(w io.Writer, v string) error {
		if len(v) > MaxVariableSize-1 {
			v = v[:MaxVariableSize-1]
		}
		if err := writeFull(w, []byte{byte(len(v))}); err != nil {
			return err
		}
		return writeFull(w, []byte(v))
	},
	Decode: func(r io.Reader) (string, error) {
		var lb [1]byte
		if err := readFull(r, lb[:]); err != nil {
			return "", err
		}
		buf := make([]byte, lb[0])
		if len(buf) > 0 {
			if err := readFull(r, buf); err != nil {
				return "", err
			}
		}
		return string(buf), nil
	},
	Debug: func(v string) string { return fmt.Sprintf("%q", v) },
}

// Timestamp is the descriptor for the timestamp-keyed FIFO flavour
// (spec.md §3.1): ordering is lexicographic on (seconds, nanoseconds), per
// spec.md §4.A. Encoded as two little-endian int64s.
var Timestamp = Descriptor[time.Time]{
	Name: "time.Time",
	Compare: func(a, b time.Time) int {
		as, an := a.Unix(), a.Nanosecond()
		bs, bn := b.Unix(), b.Nanosecond()
		switch {
		case as != bs:
			if as < bs {
				return -1
			}
			return 1
		case an != bn:
			if an < bn {
				return -1
			}
			return 1
		default:
			return 0
		}
	},
	Clone: func(v time.Time) time.Time { return v },
	Size:  func(time.Time) int { return 16 },
	Encode: func(w io.Writer, v time.Time) error {
		var b [16]byte
		binary.LittleEndian.PutUint64(b[0:8], uint64(v.Unix()))
		binary.LittleEndian.PutUint64(b[8:16], uint64(int64(v.Nanosecond())))
		return writeFull(w, b[:])
	},
	Decode: func(r io.Reader) (time.Time, error) {
		var b [16]byte
		if err := readFull(r, b[:]); err != nil {
			return time.Time{}, err
		}
		sec := int64(binary.LittleEndian.Uint64(b[0:8]))
		nsec := int64(binary.LittleEndian.Uint64(b[8:16]))
		return time.Unix(sec, nsec).UTC(), nil
	},
	Debug: func(v time.Time) string { return v.Format(time.RFC3339Nano) },
}

// Bytes is the descriptor for []byte keys/values: deep-copied on Clone so
// the store never aliases a caller's backing array (spec.md §3.1's "owned
// copy" invariant), length-prefixed and capped like String.
var Bytes = Descriptor[[]byte]{
	Name: "[]byte",
	Compare: func(a, b []byte) int {
		n := len(a)
		if len(b) < n {
			n = len(b)
		}
		for i := 0; i < n; i++ {
			if a[i] != b[i] {
				if a[i] < b[i] {
					return -1
				}
				return 1
			}
		}
		return len(a) - len(b)
	},
	Clone: func(v []byte) []byte {
		c := make([]byte, len(v))
		copy(c, v)
		return c
	},
	Size: func(v []byte) int { return clampSize(len(v) + 1) },
	Encode: func(w io.Writer, v []byte) error {
		if len(v) > MaxVariableSize-1 {
			v = v[:MaxVariableSize-1]
		}
		if err := writeFull(w, []byte{byte(len(v))}); err != nil {
			return err
		}
		return writeFull(w, v)
	},
	Decode: func(r io.Reader) ([]byte, error) {
		var lb [1]byte
		if err := readFull(r, lb[:]); err != nil {
			return nil, err
		}
		buf := make([]byte, lb[0])
		if len(buf) > 0 {
			if err := readFull(r, buf); err != nil {
				return nil, err
			}
		}
		return buf, nil
	},
	Debug: func(v []byte) string { return fmt.Sprintf("%x", v) },
}
