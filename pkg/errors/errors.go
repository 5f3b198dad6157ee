// Package errors provides coded errors for weightflow.
// Every failure that terminates a run carries a Code so the CLI and tests can
// tell configuration problems from input, engine and output failures.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Code identifies an error class.
type Code string

const (
	// Input and configuration errors (1xx)
	CodeCLIArgument   Code = "E100"
	CodeFileNotFound  Code = "E101"
	CodeInvalidFormat Code = "E103"
	CodeMissingField  Code = "E104"
	CodeConfiguration Code = "E107"

	// Processing errors (2xx)
	CodeNormalization Code = "E204"
	CodeEngine        Code = "E205"

	// Output errors (3xx)
	CodeWriteFailed Code = "E301"

	// Ledger / storage errors (4xx)
	CodeLedger  Code = "E401"
	CodeStorage Code = "E402"

	// Unknown
	CodeUnknown Code = "E999"
)

// Error is the base error type for all weightflow errors.
type Error struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new Error.
func New(code Code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *Error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *Error) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Sentinels for errors.Is ---

var (
	ErrCLIArgument   = &Error{Code: CodeCLIArgument}
	ErrConfiguration = &Error{Code: CodeConfiguration}
	ErrMissingField  = &Error{Code: CodeMissingField}
	ErrNormalization = &Error{Code: CodeNormalization}
	ErrEngine        = &Error{Code: CodeEngine}
)

// --- Convenience constructors ---

// CLIArgument reports a flag that is missing or has no value.
func CLIArgument(flag, message string) *Error {
	return New(CodeCLIArgument, message).WithContext("flag", flag)
}

// Configuration reports an invalid run configuration.
func Configuration(message string) *Error {
	return New(CodeConfiguration, message)
}

// FileNotFound creates a file not found error.
func FileNotFound(path string) *Error {
	return New(CodeFileNotFound, "file not found").WithContext("path", path)
}

// MissingField reports a required event-store field that is absent.
// row is -1 when the whole column is missing from the table schema.
func MissingField(field string, row int64) *Error {
	e := New(CodeMissingField, "required field not found").WithContext("field", field)
	if row >= 0 {
		e.WithContext("row", row)
	}
	return e
}

// NormalizationFailure reports a four-momentum that could not be repaired.
func NormalizationFailure(particle string, iterations int) *Error {
	return New(CodeNormalization, "four-momentum repair did not converge").
		WithContext("particle", particle).
		WithContext("iterations", iterations)
}

// Engine wraps an error raised by the weight engine.
func Engine(err error, event int64) *Error {
	return Wrap(err, CodeEngine, "weight engine failed").WithContext("event", event)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
