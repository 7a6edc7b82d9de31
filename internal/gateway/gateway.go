// Package gateway talks to the brewing backend: reference catalog versions and
// listings, and create/update/delete of user records.
package gateway

import (
	"context"
	"encoding/json"
)

// VersionInfo describes the remote state of a reference collection.
type VersionInfo struct {
	Version      string `json:"version"`
	LastModified string `json:"last_modified"`
	TotalRecords int    `json:"total_records"`
}

// Gateway is the complete remote surface consumed by the engine.
type Gateway interface {
	Version(ctx context.Context, collection string) (VersionInfo, error)
	All(ctx context.Context, collection string) ([]json.RawMessage, error)
	List(ctx context.Context, entityType string) ([]json.RawMessage, error)
	Create(ctx context.Context, entityType string, payload json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, entityType, id string, payload json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, entityType, id string) error
	Ping(ctx context.Context) error
}

// TokenSource supplies the bearer token attached to authenticated requests.
type TokenSource interface {
	Token() (string, error)
}

type idempotencyKeyContext struct{}

// WithIdempotencyKey tags the mutations sent with ctx so the backend can
// recognize a resend of the same queued operation.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContext{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKeyContext{}).(string)
	return key, ok && key != ""
}
