package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"upgrade-guard/internal/upgrade"
)

// Exit codes.
const (
	ExitSuccess      = 0 // can be upgraded
	ExitFailure      = 1 // cannot be upgraded
	ExitCommandError = 2 // invalid input or the check could not run
)

// Error codes reported by the command.
const (
	ErrCodeArguments = "E001" // wrong number of arguments
	ErrCodeInput     = "E002" // manifest missing or not an .xml file
	ErrCodeConfig    = "E003" // configuration file unreadable or invalid
	ErrCodeCheck     = "E004" // the check failed to run
)

// Verdict lines.
const (
	CanUpgradeText    = "Can be upgraded!"
	CannotUpgradeText = "Cannot be upgraded!"
)

// ExitError carries the exit code of a failed command. An empty Message
// means the failure has already been reported.
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

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error; errors that are not
// ExitErrors are command errors.
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

// OutputFormatter handles JSON vs text output.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool
}

// Response is the JSON output envelope.
type Response struct {
	Status string         `json:"status"`
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError is the error part of a JSON response.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (f *OutputFormatter) encode(r Response) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")

	return enc.Encode(r)
}

// Decision outputs the outcome of an upgrade check.
func (f *OutputFormatter) Decision(d upgrade.Decision) error {
	if f.Format == "json" {
		return f.encode(Response{Status: "ok", Data: d})
	}

	verdict := CannotUpgradeText
	if d.CanUpgrade {
		verdict = CanUpgradeText
	}

	fmt.Fprintln(f.Writer, verdict)

	if !f.Verbose {
		return nil
	}

	fmt.Fprintf(f.Writer, "versions: %s -> %s\n", d.V1Version, d.V2Version)
	fmt.Fprintf(f.Writer, "reason: %s\n", d.Reason)

	for _, r := range d.Results {
		fmt.Fprintf(f.Writer, "  %s %s (%s)\n", r.Verdict, r.Type.FullName(), r.Reason)
	}

	for _, diag := range slices.Concat(d.Diagnostics.Errors, d.Diagnostics.Warnings, d.Diagnostics.Infos) {
		fmt.Fprintf(f.Writer, "  %s: %s\n", diag.Severity, diag)
	}

	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string) error {
	if f.Format == "json" {
		return f.encode(Response{Status: "error", Error: &ResponseError{Code: code, Message: message}})
	}

	_, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)

	return err
}
