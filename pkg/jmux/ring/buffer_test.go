package ring

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestEmptyBuffer(t *testing.T) {
	b := NewBuffer(0)
	if b.Size() != 0 || b.Free() != 0 || b.Used() != 0 {
		t.Fatal("zero-capacity buffer has unexpected dimensions")
	}
	if err := b.WriteByte('a'); err != ErrFull {
		t.Fatal("expected ErrFull writing to zero-capacity buffer")
	}
	if _, err := b.ReadByte(); err != io.EOF {
		t.Fatal("expected EOF reading from empty buffer")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	b := NewBuffer(8)
	n, err := b.Write([]byte("abcd"))
	if n != 4 || err != nil {
		t.Fatalf("unexpected write result: %d, %v", n, err)
	}
	out := make([]byte, 4)
	n, err = b.Read(out)
	if n != 4 || err != nil || string(out) != "abcd" {
		t.Fatalf("unexpected read result: %d, %v, %q", n, err, out)
	}
}

func TestWrapAround(t *testing.T) {
	b := NewBuffer(4)
	if _, err := b.Write([]byte("abcd")); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 2)
	if _, err := b.Read(out); err != nil {
		t.Fatal(err)
	}
	// Buffer now has "cd" with 2 bytes of wrapped free space at the front.
	if _, err := b.Write([]byte("ef")); err != nil {
		t.Fatal(err)
	}
	rest := make([]byte, 4)
	n, err := b.Read(rest)
	if err != nil || n != 4 || string(rest) != "cdef" {
		t.Fatalf("unexpected wrapped read: %d, %v, %q", n, err, rest)
	}
}

func TestFullBufferRejectsWrite(t *testing.T) {
	b := NewBuffer(3)
	if _, err := b.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	n, err := b.Write([]byte("d"))
	if err != ErrFull || n != 0 {
		t.Fatalf("expected ErrFull with 0 bytes written, got %d, %v", n, err)
	}
}

func TestReadNFrom(t *testing.T) {
	b := NewBuffer(8)
	source := strings.NewReader("hello")
	n, err := b.ReadNFrom(source, 5)
	if err != nil || n != 5 {
		t.Fatalf("unexpected ReadNFrom result: %d, %v", n, err)
	}
	if b.Used() != 5 {
		t.Fatalf("expected 5 used bytes, got %d", b.Used())
	}

	b2 := NewBuffer(2)
	if _, err := b2.ReadNFrom(strings.NewReader("xyz"), 3); err != ErrFull {
		t.Fatalf("expected ErrFull when source exceeds capacity, got %v", err)
	}
}

func TestWriteTo(t *testing.T) {
	b := NewBuffer(8)
	if _, err := b.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	var dst bytes.Buffer
	n, err := b.WriteTo(&dst)
	if err != nil || n != 7 || dst.String() != "payload" {
		t.Fatalf("unexpected WriteTo result: %d, %v, %q", n, err, dst.String())
	}
	if b.Used() != 0 {
		t.Fatal("buffer should be drained after WriteTo")
	}
}
