// Package errors defines the chatkit error taxonomy. Every failure that
// crosses a package boundary carries one of the codes below so callers can
// branch without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

type Code string

const (
	// CodeAuthRequired: no valid session credential. Fatal to connection
	// attempts; surfaced, never auto-retried.
	CodeAuthRequired Code = "AUTH_REQUIRED"
	// CodeNotConnected: an emit was attempted without a live link. The
	// caller decides whether to queue or surface; nothing is buffered.
	CodeNotConnected Code = "NOT_CONNECTED"
	// CodeNetworkTransient: recoverable network failure, retried with
	// backoff inside the transport.
	CodeNetworkTransient Code = "NETWORK_TRANSIENT"
	// CodeServerRejected: the server refused the operation (e.g. send
	// validation). Surfaced; the optimistic entry is marked failed.
	CodeServerRejected Code = "SERVER_REJECTED"
	// CodeSnapshotFetchFailed: the REST snapshot could not be fetched.
	// The unread aggregate degrades instead of propagating this to UI.
	CodeSnapshotFetchFailed Code = "SNAPSHOT_FETCH_FAILED"
	CodeInternal            Code = "INTERNAL"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func AuthRequired(msg string) error {
	return New(CodeAuthRequired, msg)
}

func NotConnected(msg string) error {
	return New(CodeNotConnected, msg)
}

func NetworkTransient(msg string, cause error) error {
	return Wrap(CodeNetworkTransient, msg, cause)
}

func ServerRejected(msg string, cause error) error {
	return Wrap(CodeServerRejected, msg, cause)
}

func SnapshotFetchFailed(cause error) error {
	return Wrap(CodeSnapshotFetchFailed, "failed to fetch conversation snapshot", cause)
}

func Internal(msg string) error {
	return New(CodeInternal, msg)
}

// CodeOf extracts the taxonomy code from err, unwrapping as needed.
// Unclassified errors report CodeInternal.
func CodeOf(err error) Code {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
