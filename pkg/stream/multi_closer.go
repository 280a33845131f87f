package stream

import (
	"io"
)

type multiCloser struct {
	closers []io.Closer
}

// NewMultiCloser creates a single io.Closer that closes multiple underlying
// closers, in the order given, continuing past errors so that every closer
// is attempted. Only the first error encountered is returned.
func NewMultiCloser(closers ...io.Closer) io.Closer {
	return &multiCloser{closers}
}

// Close implements io.Closer.
func (c *multiCloser) Close() error {
	var firstErr error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
