package jmux

import (
	"fmt"
)

// PacketOversizedError indicates an attempt to encode a frame whose total
// size would exceed the wire format's 65535-byte ceiling. It
// is a programmer error: the multiplexer is responsible for chunking DATA
// payloads before encoding, so encountering this at the codec layer means a
// caller handed the codec an already-oversized payload.
type PacketOversizedError struct {
	PacketSize int
	Max        int
}

func (e *PacketOversizedError) Error() string {
	return fmt.Sprintf("packet oversized: max is %d, got %d", e.Max, e.PacketSize)
}

// NotEnoughBytesError indicates a decode call that cannot make progress
// because fewer bytes are available than the message requires. It is not a
// protocol error by itself: the decoder contract uses it to
// signal "need more bytes", which the caller satisfies by reading more from
// the carrier and retrying.
type NotEnoughBytesError struct {
	Name     string
	Received int
	Expected int
}

func (e *NotEnoughBytesError) Error() string {
	return fmt.Sprintf(
		"not enough bytes to decode %s: received %d, expected at least %d",
		e.Name, e.Received, e.Expected,
	)
}

// InvalidPacketError indicates a frame that is structurally present but
// fails validation (unknown message kind, inconsistent msg_size, invalid
// UTF-8 tail, and so on). This is a protocol error:
// fatal to the carrier, not just the offending message.
type InvalidPacketError struct {
	Name   string
	Field  string
	Reason string
}

func (e *InvalidPacketError) Error() string {
	return fmt.Sprintf("invalid %s in %s: %s", e.Field, e.Name, e.Reason)
}

// InvalidDestinationURLError indicates a destination URL that failed to
// parse.
type InvalidDestinationURLError struct {
	Value  string
	Reason string
}

func (e *InvalidDestinationURLError) Error() string {
	return fmt.Sprintf("invalid destination URL %q: %s", e.Value, e.Reason)
}
