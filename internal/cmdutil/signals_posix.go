// +build !windows

package cmdutil

import (
	"os"
	"syscall"
)

// TerminationSignals are the signals that should trigger graceful shutdown
// of a jmux-server or jmux-client process.
var TerminationSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
}
