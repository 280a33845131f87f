// Package must provides small wrappers around operations whose errors can
// only reasonably be logged, not handled, such as closing a connection that
// is already being torn down. This keeps defer sites in pkg/jmux free of
// repeated "if err := x.Close(); err != nil { logger.Warnf(...) }"
// boilerplate.
package must

import (
	"io"

	"github.com/jmux-project/jmux/pkg/logging"
)

// Close closes c, logging (rather than propagating) any resulting error.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("unable to close: %s", err.Error())
	}
}

// CloseWrite calls CloseWrite on cw, logging any resulting error.
func CloseWrite(cw interface{ CloseWrite() error }, logger *logging.Logger) {
	if err := cw.CloseWrite(); err != nil {
		logger.Warnf("unable to close for writing: %s", err.Error())
	}
}
