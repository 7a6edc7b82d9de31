package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies remote failures for retry decisions.
type ErrorKind string

const (
	// KindTransport covers unreachable servers, timeouts and 5xx responses; retried.
	KindTransport ErrorKind = "transport"
	// KindValidation covers payload rejections; never retried.
	KindValidation ErrorKind = "validation"
	// KindNotFound reports a missing remote record.
	KindNotFound ErrorKind = "not_found"
	// KindUnauthorized reports a rejected session; retried once the session is renewed.
	KindUnauthorized ErrorKind = "unauthorized"
)

// Error is the typed failure returned by every Gateway call.
type Error struct {
	Op     string
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("gateway %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransportError wraps a failure to reach the backend.
func NewTransportError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindTransport, Err: err}
}

// NewStatusError classifies a non-success HTTP status.
func NewStatusError(op string, status int, err error) *Error {
	return &Error{Op: op, Kind: classifyStatus(status), Status: status, Err: err}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindTransport
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindTransport
	}
}

// KindOf extracts the kind of a gateway error; unknown errors count as transport failures.
func KindOf(err error) ErrorKind {
	var gatewayErr *Error
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Kind
	}
	return KindTransport
}

// StatusOf returns the HTTP status attached to err, or zero.
func StatusOf(err error) int {
	var gatewayErr *Error
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Status
	}
	return 0
}

// IsValidation reports whether err is a terminal payload rejection.
func IsValidation(err error) bool {
	return err != nil && KindOf(err) == KindValidation
}

// IsNotFound reports whether err signals a missing remote record.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}
