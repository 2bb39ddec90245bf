// Package txwire implements the byte-level primitives for serializing
// legacy Bitcoin transactions.
//
// All multi-byte integers are little-endian and length prefixes use the
// Bitcoin CompactSize varint encoding. Hash fields are held in display
// order by the rest of the library and written wire-order with
// WriteBytesReversed.
package txwire

import "encoding/binary"

// Writer is an append-only byte buffer with transaction serialization
// helpers. The zero value is ready to use; none of the write operations
// can fail.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteUint32 appends a 4-byte little-endian integer.
func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteUint64 appends an 8-byte little-endian integer.
func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteVarInt appends a CompactSize-encoded integer.
//
// Encoding:
//   - < 0xFD: 1 byte (the value itself)
//   - <= 0xFFFF: 0xFD followed by 2 bytes little-endian
//   - <= 0xFFFFFFFF: 0xFE followed by 4 bytes little-endian
//   - otherwise: 0xFF followed by 8 bytes little-endian
func (w *Writer) WriteVarInt(n uint64) {
	switch {
	case n < 0xFD:
		w.buf = append(w.buf, byte(n))
	case n <= 0xFFFF:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		w.buf = append(w.buf, 0xFD)
		w.buf = append(w.buf, b[:]...)
	case n <= 0xFFFFFFFF:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(n))
		w.buf = append(w.buf, 0xFE)
		w.buf = append(w.buf, b[:]...)
	default:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], n)
		w.buf = append(w.buf, 0xFF)
		w.buf = append(w.buf, b[:]...)
	}
}

// WriteBytes appends raw bytes verbatim.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteBytesReversed appends the bytes of b in reverse order. Used for
// hash fields, which are serialized reversed relative to their display
// order.
func (w *Writer) WriteBytesReversed(b []byte) {
	for i := len(b) - 1; i >= 0; i-- {
		w.buf = append(w.buf, b[i])
	}
}

// Len returns the number of bytes accumulated so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Bytes returns a copy of the accumulated bytes. The Writer remains
// usable; taking a snapshot does not drain it.
func (w *Writer) Bytes() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}
