package records

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEntityType reports an entity type outside EntityTypes().
	ErrUnknownEntityType = errors.New("records: unknown entity type")
	// ErrEntityNotFound reports an update or delete of an entity that is not cached.
	ErrEntityNotFound = errors.New("records: entity not found")
	// ErrOperationNotFound reports a queue operation id that is not queued.
	ErrOperationNotFound = errors.New("records: operation not found")
	// ErrOperationInFlight reports a discard of an operation currently being sent.
	ErrOperationInFlight = errors.New("records: operation in flight")
	// ErrOperationNotFailed reports a retry of an operation that has not failed.
	ErrOperationNotFailed = errors.New("records: operation has not failed")

	errMissingStore   = errors.New("store is required")
	errMissingGateway = errors.New("gateway is required")
	errMissingUserID  = errors.New("user identifier is required")
	errMissingID      = errors.New("entity identifier is required")
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
