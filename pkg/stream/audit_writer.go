// Package stream provides small io.Writer/io.Closer combinators used by the
// relay glue (pkg/jmux/relay.go) to observe and coordinate copy loops
// without complicating their control flow.
package stream

import (
	"io"
)

// Auditor is a callback that receives written byte counts from a write
// operation. Implementations should be fast and allocation-free, since they
// run on every relay write.
type Auditor func(uint64)

type auditWriter struct {
	writer  io.Writer
	auditor Auditor
}

// NewAuditWriter wraps writer so that every successful partial write is
// reported to auditor. If auditor is nil, writer is returned unmodified.
func NewAuditWriter(writer io.Writer, auditor Auditor) io.Writer {
	if auditor == nil {
		return writer
	}
	return &auditWriter{writer, auditor}
}

// Write implements io.Writer.
func (w *auditWriter) Write(buffer []byte) (int, error) {
	result, err := w.writer.Write(buffer)
	w.auditor(uint64(result))
	return result, err
}
