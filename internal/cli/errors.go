package cli

import (
	"errors"
	"fmt"

	"github.com/vburojevic/tabtrail/internal/output"
)

// CommandError is a failure that has already been reported to the user.
type CommandError struct {
	Code    string
	Message string
	Err     error
}

func (e *CommandError) Error() string { return e.Message }

func (e *CommandError) Unwrap() error { return e.Err }

// Reported reports whether err was already written to the output stream, so
// main can exit without printing it again.
func Reported(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// outputErrorCommon writes an error line in the active format and returns it
// as a *CommandError.
func outputErrorCommon(globals *Globals, code, message string, hint ...string) error {
	if globals != nil && globals.Format == "ndjson" {
		_ = output.NewNDJSONWriter(globals.Stdout).WriteError(code, message, hint...)
	} else if globals != nil {
		fmt.Fprintf(globals.Stderr, "Error [%s]: %s", code, message)
		if len(hint) > 0 && hint[0] != "" {
			fmt.Fprintf(globals.Stderr, " (hint: %s)", hint[0])
		}
		fmt.Fprintln(globals.Stderr)
	}
	return &CommandError{Code: code, Message: message}
}

// wrapErrorCommon is outputErrorCommon for an underlying error.
func wrapErrorCommon(globals *Globals, code string, err error, hint ...string) error {
	out := outputErrorCommon(globals, code, err.Error(), hint...)
	out.(*CommandError).Err = err
	return out
}
