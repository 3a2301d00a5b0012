package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for evrctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // drift found
	ExitCommandError = 2
)

type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// GetExitCode extracts the exit code from an error. Anything that is not an
// ExitError is a command error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

type outputFormatter struct {
	format string
	w      io.Writer
}

// write emits v as JSON, or calls text to render it for humans.
func (f outputFormatter) write(v interface{}, text func(w io.Writer)) error {
	if f.format == "json" {
		enc := json.NewEncoder(f.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(f.w)
	return nil
}
