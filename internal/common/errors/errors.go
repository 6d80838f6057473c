// Package errors provides the daemon's error taxonomy. Every error that
// crosses an API boundary (WebSocket rpc_error, MCP tool result, HTTP
// status) carries one of the codes below.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error codes as they appear on the wire.
const (
	CodeNotFound               = "NOT_FOUND"
	CodeInvalid                = "INVALID"
	CodeUnsupported            = "UNSUPPORTED"
	CodePermissionsOutstanding = "PERMISSIONS_OUTSTANDING"
	CodeProviderUnavailable    = "PROVIDER_UNAVAILABLE"
	CodeTimeout                = "TIMEOUT"
	CodeInternal               = "INTERNAL"
	CodeUnauthorized           = "UNAUTHORIZED"
)

// DaemonError is an error with a wire code and an optional wrapped cause.
type DaemonError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *DaemonError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *DaemonError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error for a resource.
func NotFound(resource string, id string) *DaemonError {
	return &DaemonError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// Invalid creates a validation error.
func Invalid(message string) *DaemonError {
	return &DaemonError{
		Code:    CodeInvalid,
		Message: message,
	}
}

// Invalidf creates a validation error with a formatted message.
func Invalidf(format string, args ...any) *DaemonError {
	return &DaemonError{
		Code:    CodeInvalid,
		Message: fmt.Sprintf(format, args...),
	}
}

// Unsupported creates an error for an operation the target does not support.
func Unsupported(message string) *DaemonError {
	return &DaemonError{
		Code:    CodeUnsupported,
		Message: message,
	}
}

// PermissionsOutstanding creates an error for operations blocked on
// unresolved permission requests.
func PermissionsOutstanding(agentID string) *DaemonError {
	return &DaemonError{
		Code:    CodePermissionsOutstanding,
		Message: fmt.Sprintf("agent '%s' has unresolved permission requests", agentID),
	}
}

// ProviderUnavailable creates an error for a provider whose command cannot
// be located or spawned.
func ProviderUnavailable(provider string, err error) *DaemonError {
	return &DaemonError{
		Code:    CodeProviderUnavailable,
		Message: fmt.Sprintf("provider '%s' is unavailable", provider),
		Err:     err,
	}
}

// Timeout creates an error for an operation that exceeded its deadline.
func Timeout(operation string) *DaemonError {
	return &DaemonError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("%s timed out", operation),
	}
}

// Internal creates an internal error with a wrapped underlying error.
func Internal(message string, err error) *DaemonError {
	return &DaemonError{
		Code:    CodeInternal,
		Message: message,
		Err:     err,
	}
}

// Unauthorized creates an authentication error.
func Unauthorized(message string) *DaemonError {
	return &DaemonError{
		Code:    CodeUnauthorized,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context. An existing
// DaemonError keeps its code; anything else becomes INTERNAL.
func Wrap(err error, message string) *DaemonError {
	if err == nil {
		return nil
	}

	var de *DaemonError
	if errors.As(err, &de) {
		return &DaemonError{
			Code:    de.Code,
			Message: fmt.Sprintf("%s: %s", message, de.Message),
			Err:     err,
		}
	}

	return &DaemonError{
		Code:    CodeInternal,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the wire code for an error. Context cancellation and
// deadline errors map to TIMEOUT; everything unrecognized maps to INTERNAL.
func CodeOf(err error) string {
	var de *DaemonError
	if errors.As(err, &de) {
		return de.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeTimeout
	}
	return CodeInternal
}

// MessageOf returns the user-facing message for an error.
func MessageOf(err error) string {
	var de *DaemonError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var de *DaemonError
	return errors.As(err, &de) && de.Code == CodeNotFound
}

// IsInvalid checks if the error is a validation error.
func IsInvalid(err error) bool {
	var de *DaemonError
	return errors.As(err, &de) && de.Code == CodeInvalid
}

// HTTPStatus returns the HTTP status for an error, for the few HTTP-facing
// surfaces (downloads, MCP auth). Unrecognized errors map to 500.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeUnsupported:
		return http.StatusUnprocessableEntity
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
