// Package ring provides a fixed-capacity byte ring buffer used for JMUX
// per-channel receive windows and for the multiplexer's outbound message
// buffers. Its behavior is designed to match that of bytes.Buffer as closely
// as possible given a fixed backing array.
package ring

import (
	"errors"
	"io"
)

// ErrFull is returned by a storage operation that can't be completed due to a
// lack of space in the buffer.
var ErrFull = errors.New("ring buffer full")

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Buffer is a fixed-size ring buffer for storing bytes. The zero value is a
// buffer with zero capacity; use NewBuffer to allocate storage.
//
// Layout invariants: at most two contiguous runs are tracked (a data run and
// a free run), wrapping at most once around the backing array. No operation
// in this file is allowed to produce additional fragmentation beyond that.
type Buffer struct {
	storage []byte
	size    int
	start   int
	used    int
}

// NewBuffer creates a new ring buffer with the given capacity. A
// non-positive size yields a zero-capacity buffer.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		return &Buffer{}
	}
	return &Buffer{storage: make([]byte, size), size: size}
}

// Size returns the buffer's total capacity.
func (b *Buffer) Size() int { return b.size }

// Used returns the number of bytes currently stored.
func (b *Buffer) Used() int { return b.used }

// Free returns the number of unused bytes of capacity.
func (b *Buffer) Free() int { return b.size - b.used }

// Reset discards all buffered data.
func (b *Buffer) Reset() {
	b.start = 0
	b.used = 0
}

// Write implements io.Writer. It writes as much of data as fits and returns
// ErrFull if the buffer fills before data is exhausted.
func (b *Buffer) Write(data []byte) (int, error) {
	var result int
	for len(data) > 0 && b.used != b.size {
		freeStart := (b.start + b.used) % b.size
		free := b.storage[freeStart:min(freeStart+(b.size-b.used), b.size)]
		copied := copy(free, data)
		result += copied
		data = data[copied:]
		b.used += copied
	}
	if len(data) > 0 && b.used == b.size {
		return result, ErrFull
	}
	return result, nil
}

// WriteByte implements io.ByteWriter.
func (b *Buffer) WriteByte(value byte) error {
	if b.used == b.size {
		return ErrFull
	}
	freeStart := (b.start + b.used) % b.size
	b.storage[freeStart] = value
	b.used++
	return nil
}

// ReadNFrom reads exactly n bytes from reader into the buffer, or as many as
// fit before the buffer fills. Unlike io.ReaderFrom, it is given an explicit
// byte count up front, which lets it distinguish "filled the buffer exactly
// as the source hit EOF" (not an error) from "source closed early" (io.EOF
// propagated) without the ambiguity of a trailing zero-length probe read.
// This matters for JMUX: a DATA message's length is known before any bytes
// are read off the carrier, so there is no need to over-read looking for EOF.
func (b *Buffer) ReadNFrom(reader io.Reader, n int) (int, error) {
	var read, result int
	var err error
	for n > 0 && b.used != b.size && err == nil {
		freeStart := (b.start + b.used) % b.size
		free := b.storage[freeStart:min(freeStart+(b.size-b.used), b.size)]
		if len(free) > n {
			free = free[:n]
		}
		read, err = reader.Read(free)
		result += read
		b.used += read
		n -= read
	}
	if n > 0 && b.used == b.size && err == nil {
		err = ErrFull
	}
	if err == io.EOF && n == 0 {
		err = nil
	}
	return result, err
}

// Read implements io.Reader.
func (b *Buffer) Read(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	} else if b.used == 0 {
		return 0, io.EOF
	}
	var result int
	for len(buffer) > 0 && b.used > 0 {
		data := b.storage[b.start:min(b.start+b.used, b.size)]
		copied := copy(buffer, data)
		result += copied
		buffer = buffer[copied:]
		b.start = (b.start + copied) % b.size
		b.used -= copied
	}
	if b.used == 0 {
		b.start = 0
	}
	return result, nil
}

// ReadByte implements io.ByteReader.
func (b *Buffer) ReadByte() (byte, error) {
	if b.used == 0 {
		return 0, io.EOF
	}
	result := b.storage[b.start]
	b.start = (b.start + 1) % b.size
	b.used--
	if b.used == 0 {
		b.start = 0
	}
	return result, nil
}

// WriteTo implements io.WriterTo, draining the buffer to writer.
func (b *Buffer) WriteTo(writer io.Writer) (int64, error) {
	var written int
	var result int64
	var err error
	for b.used > 0 && err == nil {
		data := b.storage[b.start:min(b.start+b.used, b.size)]
		written, err = writer.Write(data)
		result += int64(written)
		b.start = (b.start + written) % b.size
		b.used -= written
	}
	if b.used == 0 {
		b.start = 0
	}
	return result, err
}
