// Package fast provides a small cursor over byte slices used to lay out and
// parse fixed-format binary records such as header extra-data.
//
// Writer simply appends to a slice. Reader walks a slice front to back and,
// unlike bytes.Reader, hands out sub-slices without copying. Reads past the
// end return ErrShortBuffer instead of panicking, because the parsed input
// usually comes from the network.
package fast

import "errors"

// ErrShortBuffer is returned when a read runs past the end of the input.
var ErrShortBuffer = errors.New("fast: read past end of buffer")

type Reader struct {
	buf    []byte
	offset int
}

type Writer struct {
	buf []byte
}

// NewReader creates a Reader over bb.
func NewReader(bb []byte) *Reader {
	return &Reader{buf: bb}
}

// NewWriter creates a Writer that appends to bb. Pass make([]byte, 0, n) to
// preallocate.
func NewWriter(bb []byte) *Writer {
	return &Writer{buf: bb}
}

// WriteByte appends a single byte. It never fails.
func (b *Writer) WriteByte(v byte) error {
	b.buf = append(b.buf, v)
	return nil
}

// Write appends v.
func (b *Writer) Write(v []byte) {
	b.buf = append(b.buf, v...)
}

// Bytes returns the accumulated content of the Writer.
func (b *Writer) Bytes() []byte {
	return b.buf
}

// Len returns the number of bytes written so far.
func (b *Writer) Len() int {
	return len(b.buf)
}

// Read consumes the next n bytes. The result shares memory with the input.
func (b *Reader) Read(n int) ([]byte, error) {
	if n < 0 || b.offset+n > len(b.buf) {
		return nil, ErrShortBuffer
	}
	res := b.buf[b.offset : b.offset+n]
	b.offset += n
	return res, nil
}

// ReadByte consumes a single byte. It implements io.ByteReader.
func (b *Reader) ReadByte() (byte, error) {
	if b.offset >= len(b.buf) {
		return 0, ErrShortBuffer
	}
	res := b.buf[b.offset]
	b.offset++
	return res, nil
}

// Rest consumes and returns everything not yet read.
func (b *Reader) Rest() []byte {
	res := b.buf[b.offset:]
	b.offset = len(b.buf)
	return res
}

// Position returns the number of bytes consumed.
func (b *Reader) Position() int {
	return b.offset
}

// Remaining returns the number of bytes left to read.
func (b *Reader) Remaining() int {
	return len(b.buf) - b.offset
}

// Bytes returns the entire underlying buffer of the Reader.
func (b *Reader) Bytes() []byte {
	return b.buf
}

// Empty reports whether the Reader has reached the end of the buffer.
func (b *Reader) Empty() bool {
	return len(b.buf) == b.offset
}
