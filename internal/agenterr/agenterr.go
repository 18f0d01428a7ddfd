// Package agenterr defines the Agent's error taxonomy. Every error that
// can terminate an operation or close a peer stream is classified into
// one of the Kind values below before it leaves its originating package.
package agenterr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the taxonomy of spec.md §7: a classification, not a Go type
// hierarchy. Two errors with the same Kind may carry different Detail.
type Kind string

const (
	Busy                   Kind = "Busy"
	NotIdle                Kind = "NotIdle"
	UnknownVersion         Kind = "UnknownVersion"
	InstallFailed          Kind = "InstallFailed"
	ModDownloadFailed      Kind = "ModDownloadFailed"
	ConfigInvalid          Kind = "ConfigInvalid"
	ConfigIoFailed         Kind = "ConfigIoFailed"
	ProcessSpawnFailed     Kind = "ProcessSpawnFailed"
	StartupFailed          Kind = "StartupFailed"
	Crashed                Kind = "Crashed"
	StopTimeout            Kind = "StopTimeout"
	RconNotConnected       Kind = "RconNotConnected"
	RconTimeout            Kind = "RconTimeout"
	RconProtocolError      Kind = "RconProtocolError"
	UploadConflict         Kind = "UploadConflict"
	UploadChecksumMismatch Kind = "UploadChecksumMismatch"
	SubscriberLagged       Kind = "SubscriberLagged"
	SamplerStalled         Kind = "SamplerStalled"
	BadRequest             Kind = "BadRequest"
	Cancelled              Kind = "Cancelled"
)

// Error is the concrete error value carried in a Failed terminal frame
// or an inline error response.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a classified error with a formatted detail string.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, preserving it for errors.Unwrap
// and errors.Is/As chains.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Cause: errors.WithStack(cause)}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to an empty Kind when
// err is not a classified *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
