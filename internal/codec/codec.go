// Package codec implements the two wire framings used across the BDT/NDN
// core: a fixed-order, size-prefixed "raw" framing, and an extensible
// "flags frame" framing for messages with optional fields.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrShortBuffer is returned when a decode would read past the end of the
// supplied buffer.
var ErrShortBuffer = errors.New("codec: buffer too short")

// ErrTooLong is returned when an encode would exceed a length prefix's range.
var ErrTooLong = errors.New("codec: value too long to encode")

// Writer accumulates a raw, size-prefixed, fixed-order encoding. Unsigned
// ints are big-endian; collections emit a count then items, matching
// spec.md §4.1's "Raw" framing.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte { return w.buf }

// PutU8 appends a single byte.
func (w *Writer) PutU8(v uint8) { w.buf = append(w.buf, v) }

// PutU16 appends a big-endian uint16.
func (w *Writer) PutU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutU32 appends a big-endian uint32.
func (w *Writer) PutU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutU64 appends a big-endian uint64.
func (w *Writer) PutU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutBytes appends a u32 length prefix followed by data.
func (w *Writer) PutBytes(data []byte) error {
	if uint64(len(data)) > 0xFFFFFFFF {
		return ErrTooLong
	}
	w.PutU32(uint32(len(data)))
	w.buf = append(w.buf, data...)
	return nil
}

// PutRaw appends data with no length prefix — used for fixed-size fields
// whose length is implied by the schema (e.g. a 32-byte hash).
func (w *Writer) PutRaw(data []byte) { w.buf = append(w.buf, data...) }

// PutCount appends a u32 collection count; items are expected to follow,
// each encoded by the caller.
func (w *Writer) PutCount(n int) { w.PutU32(uint32(n)) }

// Reader decodes a raw framing buffer. Decoding is zero-copy: byte slices
// returned are views into the original buffer and must not be retained past
// the buffer's lifetime if the caller intends to reuse it.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Remaining reports how many bytes are left to read.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return ErrShortBuffer
	}
	return nil
}

// U8 reads a single byte.
func (r *Reader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// U16 reads a big-endian uint16.
func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// U32 reads a big-endian uint32.
func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// U64 reads a big-endian uint64.
func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// Bytes reads a u32 length prefix followed by that many bytes, as a slice
// view into the original buffer.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

// Raw reads exactly n bytes with no length prefix, as a slice view.
func (r *Reader) Raw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// Count reads a u32 collection count.
func (r *Reader) Count() (int, error) {
	n, err := r.U32()
	return int(n), err
}

// FlagsCounter assigns successive single bits to optional fields in
// declaration order, used by both the encoder and decoder of a flags frame
// so the bit assignment stays in lock-step. Matches spec.md §4.1: the
// encoder picks a bit per optional field (1<<0, 1<<1, …); unknown higher
// bits are tolerated for forward compatibility.
type FlagsCounter struct {
	next uint
}

// Next returns the next bit in sequence: 1<<0, 1<<1, ...
func (c *FlagsCounter) Next() uint16 {
	bit := uint16(1) << c.next
	c.next++
	return bit
}

// FlagsWriter builds an extensible "flags frame": a command code, a
// two-byte flags word, then fields — optional fields gated by a bit the
// caller assigns via a FlagsCounter shared with the matching FlagsReader.
type FlagsWriter struct {
	cmd   uint8
	flags uint16
	body  *Writer
}

// NewFlagsWriter starts a flags frame for the given command code.
func NewFlagsWriter(cmd uint8) *FlagsWriter {
	return &FlagsWriter{cmd: cmd, body: NewWriter()}
}

// SetFlag marks bit as present; call before writing the optional field's
// value so Finish's header matches the body that follows.
func (w *FlagsWriter) SetFlag(bit uint16) { w.flags |= bit }

// Body returns the underlying Writer for field encoding.
func (w *FlagsWriter) Body() *Writer { return w.body }

// Finish assembles the complete frame: cmd | flags | body.
func (w *FlagsWriter) Finish() []byte {
	out := make([]byte, 0, 3+len(w.body.Bytes()))
	out = append(out, w.cmd)
	var fl [2]byte
	binary.BigEndian.PutUint16(fl[:], w.flags)
	out = append(out, fl[:]...)
	out = append(out, w.body.Bytes()...)
	return out
}

// FlagsReader decodes a flags frame header and exposes the body Reader plus
// flag-bit tests so the decoder can mirror the encoder's optional-field
// sequence.
type FlagsReader struct {
	Cmd   uint8
	Flags uint16
	Body  *Reader
}

// ParseFlagsFrame reads the 3-byte header and wraps the remainder.
func ParseFlagsFrame(buf []byte) (*FlagsReader, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("codec: flags frame too short: %w", ErrShortBuffer)
	}
	cmd := buf[0]
	flags := binary.BigEndian.Uint16(buf[1:3])
	return &FlagsReader{Cmd: cmd, Flags: flags, Body: NewReader(buf[3:])}, nil
}

// HasFlag reports whether bit is set, i.e. whether the decoder should
// attempt to decode the corresponding optional field.
func (r *FlagsReader) HasFlag(bit uint16) bool { return r.Flags&bit != 0 }

// CopyAll drains an io.Reader fully, used when framing arrives over a
// stream (TCP/QUIC) rather than as a single datagram.
func CopyAll(r io.Reader, limit int64) ([]byte, error) {
	lr := io.LimitReader(r, limit)
	return io.ReadAll(lr)
}
