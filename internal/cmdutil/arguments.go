package cmdutil

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// DisallowArguments is a cobra.Command.Args validator for commands that take
// no positional arguments, only flags.
func DisallowArguments(_ *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return errors.New("this command does not accept positional arguments")
	}
	return nil
}
