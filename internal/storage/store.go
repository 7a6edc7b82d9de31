// Package storage provides the durable key-value medium used by the offline caches.
//
// Every cache in the engine persists whole documents under namespaced keys;
// a write always replaces the complete value stored under a key.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrMissingDatabase indicates that no database handle was supplied.
	ErrMissingDatabase = errors.New("storage: database handle is required")
	// ErrEmptyKey indicates that an operation was attempted with a blank key.
	ErrEmptyKey = errors.New("storage: key is required")
	// ErrInvalidNamespace indicates that the key namespace is empty or malformed.
	ErrInvalidNamespace = errors.New("storage: invalid namespace")
	// ErrSchemaMismatch indicates that a stored document was written with another schema version.
	ErrSchemaMismatch = errors.New("storage: schema version mismatch")
	// ErrCorruptDocument indicates that a stored document could not be decoded.
	ErrCorruptDocument = errors.New("storage: corrupt document")
)

// Store is an asynchronous-safe string blob store keyed by name.
type Store interface {
	// Get returns the value stored under key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set replaces the value stored under key.
	Set(ctx context.Context, key, value string) error
	// Remove deletes the provided keys. Missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error
}
