// Package fault defines the error taxonomy shared across the pipeline.
//
// Every error that crosses a package boundary carries a machine-readable
// Kind so callers can branch on failure class without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindDeviceUnavailable means a requested capture device does not exist
	// or cannot be opened. Never retried internally.
	KindDeviceUnavailable Kind = "device_unavailable"

	// KindTransport covers connection dial failures, unexpected socket
	// closure, and write/read errors on an established connection.
	KindTransport Kind = "transport"

	// KindProtocol means the remote end sent something we cannot interpret.
	KindProtocol Kind = "protocol"

	// KindRateLimited means the provider rejected the request due to quota.
	KindRateLimited Kind = "rate_limited"

	// KindUnsupportedModel means the provider does not serve the requested model.
	KindUnsupportedModel Kind = "unsupported_model"

	// KindRegionBlocked means the provider refuses service for the caller's region.
	KindRegionBlocked Kind = "region_blocked"

	// KindTimeout means an operation exceeded its deadline.
	KindTimeout Kind = "timeout"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Returns empty string when err carries no classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
