package cmdutil

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/jmux-project/jmux/pkg/logging"
)

// SetupLogging parses levelName and constructs a root logger writing to
// standard error, disabling color output when standard error is not a
// terminal (piped to a file, captured by CI, etc). Returns an error if
// levelName does not name a valid logging.Level.
func SetupLogging(levelName string) (*logging.Logger, error) {
	level, ok := logging.NameToLevel(levelName)
	if !ok {
		return nil, errUnknownLogLevel(levelName)
	}
	color.NoColor = !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd())
	return logging.NewLogger(level, os.Stderr), nil
}

type errUnknownLogLevel string

func (e errUnknownLogLevel) Error() string {
	return "unknown log level: " + string(e)
}
