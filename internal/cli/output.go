package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/databroker/internal/broker"
	"github.com/roach88/databroker/internal/config"
	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/mds"
	"github.com/roach88/databroker/internal/registry"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // command succeeded
	ExitFailure      = 1 // the operation failed (unknown run, conflicting insert, ...)
	ExitCommandError = 2 // the command could not run (bad flags, missing config, ...)
)

// Error codes carried by JSON error envelopes.
const (
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeInvalid    = "invalid_document"
	CodeConfig     = "config_error"
	CodeUsage      = "usage_error"
	CodeInternal   = "internal_error"
	CodeAmbiguous  = "ambiguous_key"
	CodeNoRegistry = "no_registry"
)

// ExitError is an error with the process exit code it should produce.
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

// NewExitError creates an ExitError without an underlying error.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code carried by err, ExitFailure otherwise.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ErrorCode classifies err for the JSON envelope.
func ErrorCode(err error) string {
	var verr *document.ValidationError
	var cerr *config.NotFoundError
	var vererr *config.VersionError
	switch {
	case errors.As(err, &verr):
		return CodeInvalid
	case errors.As(err, &cerr), errors.As(err, &vererr):
		return CodeConfig
	case errors.Is(err, broker.ErrAmbiguous):
		return CodeAmbiguous
	case errors.Is(err, broker.ErrNoRegistry):
		return CodeNoRegistry
	case errors.Is(err, mds.ErrNotFound), errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrDatumNotFound):
		return CodeNotFound
	case errors.Is(err, mds.ErrConflict), errors.Is(err, registry.ErrConflict):
		return CodeConflict
	case GetExitCode(err) == ExitCommandError:
		return CodeUsage
	default:
		return CodeInternal
	}
}

// OutputFormatter writes command results as text or as a JSON envelope.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command result.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success prints data with fmt in text mode.
func (f *OutputFormatter) Success(data any) error {
	return f.Emit(data, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, data)
		return err
	})
}

// Emit wraps data in the JSON envelope, or calls text to render it.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer) error) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	return text(f.Writer)
}

// Error reports a failure in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.GetErrWriter(), "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.GetErrWriter(), "Details: %v\n", details)
	}
	return nil
}

// VerboseLog prints a diagnostic line to the error writer when verbose
// output is on.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter, falling back to Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
