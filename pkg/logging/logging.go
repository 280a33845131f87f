package logging

import (
	"os"
)

// RootLogger is a convenience logger at warn level writing to standard
// error, available for callers (example commands, ad hoc tooling) that do
// not need their own independently configured logger.
var RootLogger = NewLogger(LevelWarn, os.Stderr)
