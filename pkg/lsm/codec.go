package lsm

import (
	"encoding/binary"
	"fmt"
)

// Shared little-endian fixed-width primitives used by the journal (C5) and
// the sorted-run format (C6/C7): 4-byte lengths, 8-byte sequences/offsets,
// (length-prefixed) byte strings. Kept in one place so the two formats never
// drift on endianness or field width.

func putUint32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }
func putUint64(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }
func getUint32(src []byte) uint32    { return binary.LittleEndian.Uint32(src) }
func getUint64(src []byte) uint64    { return binary.LittleEndian.Uint64(src) }

func appendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	putUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	putUint64(b[:], v)
	return append(dst, b[:]...)
}

// appendBytes writes [len(4)][raw bytes].
func appendBytes(dst []byte, v []byte) []byte {
	dst = appendUint32(dst, uint32(len(v)))
	return append(dst, v...)
}

// byteReader walks a []byte left to right, returning a corruption error the
// moment a read would run past the end. It underlies decoding for both the
// journal and the sorted-run formats.
type byteReader struct {
	buf []byte
	off int
}

func newByteReader(buf []byte) *byteReader { return &byteReader{buf: buf} }

func (r *byteReader) remaining() int { return len(r.buf) - r.off }

func (r *byteReader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errCorruption(fmt.Sprintf("truncated record: need %d bytes, have %d", n, r.remaining()), nil)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *byteReader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return getUint32(b), nil
}

func (r *byteReader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return getUint64(b), nil
}

// bytesField reads [len(4)][raw bytes] and returns a copy of the payload.
func (r *byteReader) bytesField() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}
