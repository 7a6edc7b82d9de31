package refcache

import (
	"errors"
	"fmt"
)

var (
	// ErrDataUnavailable reports that a catalog is not cached and could not be fetched.
	ErrDataUnavailable = errors.New("refcache: data unavailable")
	// ErrUnknownCollection reports a collection name outside Collections().
	ErrUnknownCollection = errors.New("refcache: unknown collection")

	errMissingStore   = errors.New("store is required")
	errMissingGateway = errors.New("gateway is required")
)

// ServiceError carries an "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
