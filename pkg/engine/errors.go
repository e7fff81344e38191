package engine

import (
	"errors"
	"fmt"

	"github.com/releasekit/releasekit/pkg/protocol"
)

// Error represents a classified release-pipeline error with context.
type Error struct {
	// Kind is the failure classification.
	Kind protocol.FailureKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Plugin is the plugin that produced the error, if applicable.
	Plugin string `json:"plugin,omitempty"`

	// Step is the pipeline step in flight when the error occurred.
	Step protocol.Step `json:"step,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Plugin != "" && e.Step != "" {
		return fmt.Sprintf("[%s] %s (plugin=%s, step=%s)%s",
			e.Kind, e.Message, e.Plugin, e.Step, e.unwrapSuffix())
	}
	if e.Plugin != "" {
		return fmt.Sprintf("[%s] %s (plugin=%s)%s", e.Kind, e.Message, e.Plugin, e.unwrapSuffix())
	}
	return fmt.Sprintf("[%s] %s%s", e.Kind, e.Message, e.unwrapSuffix())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// WithPlugin adds plugin context to an error.
func (e *Error) WithPlugin(name string) *Error {
	e.Plugin = name
	return e
}

// WithStep adds step context to an error.
func (e *Error) WithStep(step protocol.Step) *Error {
	e.Step = step
	return e
}

// NewConfigError creates a configuration error.
func NewConfigError(message string, err error) *Error {
	return &Error{Kind: protocol.FailureConfig, Message: message, Err: err}
}

// NewPreconditionError creates a precondition error.
func NewPreconditionError(message string, err error) *Error {
	return &Error{Kind: protocol.FailurePrecondition, Message: message, Err: err}
}

// NewIoError creates an I/O error.
func NewIoError(message string, err error) *Error {
	return &Error{Kind: protocol.FailureIo, Message: message, Err: err}
}

// NewNetworkError creates a network error.
func NewNetworkError(message string, err error) *Error {
	return &Error{Kind: protocol.FailureNetwork, Message: message, Err: err}
}

// NewLogicError creates a logic error.
func NewLogicError(message string, err error) *Error {
	return &Error{Kind: protocol.FailureLogic, Message: message, Err: err}
}

// NewProtocolError creates a protocol error.
func NewProtocolError(message string, err error) *Error {
	return &Error{Kind: protocol.FailureProtocol, Message: message, Err: err}
}

// FromFailure converts a structured failure received from a plugin into an
// engine error, preserving the failure chain as the underlying error.
func FromFailure(f *protocol.Failure) *Error {
	e := &Error{Kind: f.Kind, Message: f.Message}
	if f.Cause != nil {
		e.Err = f.Cause
	}
	return e
}

// kindOf extracts the failure kind from an error chain.
func kindOf(err error) (protocol.FailureKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	var f *protocol.Failure
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}

// IsConfig reports whether the error is classified as a configuration error.
func IsConfig(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == protocol.FailureConfig
}

// IsPrecondition reports whether the error is classified as a precondition error.
func IsPrecondition(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == protocol.FailurePrecondition
}

// IsIo reports whether the error is classified as an I/O error.
func IsIo(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == protocol.FailureIo
}

// IsNetwork reports whether the error is classified as a network error.
func IsNetwork(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == protocol.FailureNetwork
}

// IsLogic reports whether the error is classified as a logic error.
func IsLogic(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == protocol.FailureLogic
}

// IsProtocol reports whether the error is classified as a protocol error.
func IsProtocol(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == protocol.FailureProtocol
}
