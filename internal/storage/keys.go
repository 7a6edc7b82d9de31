package storage

import (
	"fmt"
	"strings"
)

// DefaultNamespace prefixes every key written by the engine unless configured otherwise.
const DefaultNamespace = "brewtracker_offline_v1"

const maxNamespaceLength = 64

const (
	suffixData              = "data"
	suffixVersion           = "version"
	keyPendingOperations    = "pending_operations"
	keyIdentifierMappings   = "id_mappings"
	namespaceKeySeparator   = "_"
	namespaceAllowedSymbols = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-."
)

// Keys derives the namespaced storage keys owned by each cache.
type Keys struct {
	namespace string
}

// NewKeys validates the namespace and returns a key builder.
func NewKeys(namespace string) (Keys, error) {
	trimmed := strings.TrimSpace(namespace)
	if trimmed == "" {
		return Keys{}, fmt.Errorf("%w: empty", ErrInvalidNamespace)
	}
	if len(trimmed) > maxNamespaceLength {
		return Keys{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidNamespace, maxNamespaceLength)
	}
	for _, symbol := range trimmed {
		if !strings.ContainsRune(namespaceAllowedSymbols, symbol) {
			return Keys{}, fmt.Errorf("%w: unexpected character %q", ErrInvalidNamespace, symbol)
		}
	}
	return Keys{namespace: trimmed}, nil
}

// Namespace returns the validated namespace.
func (k Keys) Namespace() string {
	return k.namespace
}

// ReferenceData is the key holding the serialized collection, e.g. <ns>_ingredients_data.
func (k Keys) ReferenceData(collection string) string {
	return k.join(collection, suffixData)
}

// ReferenceVersion is the key holding the bare version string, e.g. <ns>_ingredients_version.
func (k Keys) ReferenceVersion(collection string) string {
	return k.join(collection, suffixVersion)
}

// Records is the key holding user records of one entity kind, e.g. <ns>_recipes.
func (k Keys) Records(entityCollection string) string {
	return k.join(entityCollection)
}

// PendingOperations is the key holding the ordered pending operation queue.
func (k Keys) PendingOperations() string {
	return k.join(keyPendingOperations)
}

// IdentifierMappings is the key holding the temporary-to-server id mapping table.
func (k Keys) IdentifierMappings() string {
	return k.join(keyIdentifierMappings)
}

func (k Keys) join(parts ...string) string {
	return k.namespace + namespaceKeySeparator + strings.Join(parts, namespaceKeySeparator)
}
