package jmux

import (
	"bufio"
	"io"
)

// Carrier is the interface that the underlying reliable, ordered byte stream
// must implement for a Multiplexer to run over it. It imposes
// the additional constraint that Close must unblock any pending Read or
// Write call. Custom code can implement this interface directly, but most
// callers will use NewCarrierFromStream.
type Carrier interface {
	io.Reader
	io.Writer
	io.Closer
}

// bufioCarrier adapts an io.ReadWriteCloser to Carrier.
type bufioCarrier struct {
	*bufio.Reader
	io.Writer
	io.Closer
}

// NewCarrierFromStream constructs a Carrier by wrapping an underlying
// io.ReadWriteCloser, such as a net.Conn. The underlying stream's Close
// method must unblock any pending Read or Write call.
func NewCarrierFromStream(stream io.ReadWriteCloser) Carrier {
	return &bufioCarrier{
		Reader: bufio.NewReader(stream),
		Writer: stream,
		Closer: stream,
	}
}
