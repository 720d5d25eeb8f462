// Package wire implements the binary record encoding shared by the record
// writer and reader (spec section 6): LEB128-style varints, length-prefixed
// strings, and the per-thread frame-id delta used to keep allocation records
// compact. It mirrors the teacher's internal/uapi manual field-by-field
// binary encoding, trading the teacher's fixed-size C-ABI structs for a
// variable-length, append-only wire format.
package wire

import (
	"encoding/binary"
	"io"
)

// MaxVarintLen is the largest number of bytes a 64-bit varint can occupy.
const MaxVarintLen = binary.MaxVarintLen64

// PutUvarint appends the varint encoding of v to dst and returns the result.
func PutUvarint(dst []byte, v uint64) []byte {
	var buf [MaxVarintLen]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

// PutVarint appends the zig-zag varint encoding of v to dst.
func PutVarint(dst []byte, v int64) []byte {
	var buf [MaxVarintLen]byte
	n := binary.PutVarint(buf[:], v)
	return append(dst, buf[:n]...)
}

// PutString appends a length-prefixed string (varint length + bytes) to dst.
func PutString(dst []byte, s string) []byte {
	dst = PutUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// PutBytes appends a length-prefixed byte string to dst.
func PutBytes(dst []byte, b []byte) []byte {
	dst = PutUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// ByteReader is the minimal interface varint decoding needs; satisfied by
// bufio.Reader, such as the one FileSource.ByteReader and
// SocketSource.ByteReader return (internal/iostream).
type ByteReader interface {
	io.Reader
	io.ByteReader
}

// ReadUvarint reads a varint-encoded unsigned integer.
func ReadUvarint(r ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}

// ReadVarint reads a zig-zag varint-encoded signed integer.
func ReadVarint(r ByteReader) (int64, error) {
	return binary.ReadVarint(r)
}

// ReadString reads a length-prefixed string.
func ReadString(r ByteReader) (string, error) {
	n, err := ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadBytes reads a length-prefixed byte string.
func ReadBytes(r ByteReader) ([]byte, error) {
	n, err := ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// FrameDelta encodes a frame_id as a varint delta against the last frame_id
// written on the same thread, per spec section 6 ("py_frame_delta svarint").
// Frame id 0 ("unknown") always encodes to the literal 0. Non-zero deltas on
// the non-negative side are biased by +1 so they never collide with the
// unknown sentinel, even when current == last (delta 0, a very common case
// for repeated allocations from the same Python frame).
func FrameDelta(current, last uint64) int64 {
	if current == 0 {
		return 0
	}
	delta := int64(current) - int64(last)
	if delta >= 0 {
		return delta + 1
	}
	return delta
}

// ApplyFrameDelta reconstructs a frame_id from a delta and the last known
// frame_id, inverting FrameDelta's +1 bias.
func ApplyFrameDelta(delta int64, last uint64) uint64 {
	if delta == 0 {
		return 0
	}
	if delta > 0 {
		return uint64(int64(last) + delta - 1)
	}
	return uint64(int64(last) + delta)
}
