package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps every persisted JSON document with its schema version so that
// format changes are detected instead of silently misread.
type Envelope struct {
	SchemaVersion  int             `json:"schema_version"`
	SavedAtSeconds int64           `json:"saved_at_s"`
	Payload        json.RawMessage `json:"payload"`
}

// LoadDocument reads and decodes the document stored under key.
// It reports false when the key is absent.
func LoadDocument[T any](ctx context.Context, store Store, key string, schemaVersion int) (T, bool, error) {
	var zero T
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}

	var envelope Envelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return zero, false, fmt.Errorf("%w: %s: %v", ErrCorruptDocument, key, err)
	}
	if envelope.SchemaVersion != schemaVersion {
		return zero, false, fmt.Errorf("%w: %s: stored %d, expected %d", ErrSchemaMismatch, key, envelope.SchemaVersion, schemaVersion)
	}

	var value T
	if err := json.Unmarshal(envelope.Payload, &value); err != nil {
		return zero, false, fmt.Errorf("%w: %s: %v", ErrCorruptDocument, key, err)
	}
	return value, true, nil
}

// SaveDocument encodes value inside an Envelope and replaces the stored document.
func SaveDocument[T any](ctx context.Context, store Store, key string, schemaVersion int, savedAt time.Time, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	encoded, err := json.Marshal(Envelope{
		SchemaVersion:  schemaVersion,
		SavedAtSeconds: savedAt.UTC().Unix(),
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", key, err)
	}
	return store.Set(ctx, key, string(encoded))
}
