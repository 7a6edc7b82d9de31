package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	opVersion = "gateway.version"
	opAll     = "gateway.all"
	opList    = "gateway.list"
	opCreate  = "gateway.create"
	opUpdate  = "gateway.update"
	opDelete  = "gateway.delete"
	opPing    = "gateway.ping"

	defaultRequestTimeout = 15 * time.Second
	maxErrorBodyBytes     = 4 << 10
	jsonContentType       = "application/json"
	idempotencyKeyHeader  = "Idempotency-Key"
	pathHealth            = "health"
	pathVersionSuffix     = "version"
)

var (
	errMissingBaseURL  = errors.New("gateway: base url is required")
	errUnexpectedShape = errors.New("gateway: unexpected response shape")
)

// HTTPConfig configures the REST implementation of Gateway.
type HTTPConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tokens     TokenSource
	Logger     *zap.Logger
}

// HTTPGateway implements Gateway over JSON REST endpoints.
type HTTPGateway struct {
	baseURL *url.URL
	client  *http.Client
	tokens  TokenSource
	logger  *zap.Logger
}

// NewHTTPGateway validates the configuration and returns an HTTPGateway.
func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	rawBase := strings.TrimSpace(cfg.BaseURL)
	if rawBase == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimSuffix(rawBase, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid base url: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPGateway{baseURL: baseURL, client: client, tokens: cfg.Tokens, logger: logger}, nil
}

// Version fetches GET /{collection}/version.
func (g *HTTPGateway) Version(ctx context.Context, collection string) (VersionInfo, error) {
	var info VersionInfo
	body, err := g.do(ctx, opVersion, http.MethodGet, nil, resourcePath(collection), pathVersionSuffix)
	if err != nil {
		return VersionInfo{}, err
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return VersionInfo{}, NewTransportError(opVersion, fmt.Errorf("%w: %v", errUnexpectedShape, err))
	}
	return info, nil
}

// All fetches GET /{collection}.
func (g *HTTPGateway) All(ctx context.Context, collection string) ([]json.RawMessage, error) {
	body, err := g.do(ctx, opAll, http.MethodGet, nil, resourcePath(collection))
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(body, collection)
	if err != nil {
		return nil, NewTransportError(opAll, err)
	}
	return items, nil
}

// List fetches GET /{records} for the authenticated user.
func (g *HTTPGateway) List(ctx context.Context, entityType string) ([]json.RawMessage, error) {
	body, err := g.do(ctx, opList, http.MethodGet, nil, resourcePath(entityType))
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(body, entityType)
	if err != nil {
		return nil, NewTransportError(opList, err)
	}
	return items, nil
}

// Create posts a new record and returns the server representation.
func (g *HTTPGateway) Create(ctx context.Context, entityType string, payload json.RawMessage) (json.RawMessage, error) {
	return g.do(ctx, opCreate, http.MethodPost, payload, resourcePath(entityType))
}

// Update replaces a record and returns the server representation.
func (g *HTTPGateway) Update(ctx context.Context, entityType, id string, payload json.RawMessage) (json.RawMessage, error) {
	return g.do(ctx, opUpdate, http.MethodPut, payload, resourcePath(entityType), id)
}

// Delete removes a record.
func (g *HTTPGateway) Delete(ctx context.Context, entityType, id string) error {
	_, err := g.do(ctx, opDelete, http.MethodDelete, nil, resourcePath(entityType), id)
	return err
}

// Ping probes GET /health.
func (g *HTTPGateway) Ping(ctx context.Context) error {
	_, err := g.do(ctx, opPing, http.MethodGet, nil, pathHealth)
	return err
}

func (g *HTTPGateway) do(ctx context.Context, op, method string, payload json.RawMessage, segments ...string) (json.RawMessage, error) {
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	target := g.baseURL.JoinPath(escaped...)

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, NewTransportError(op, err)
	}
	request.Header.Set("Accept", jsonContentType)
	if payload != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	if key, ok := IdempotencyKey(ctx); ok && method != http.MethodGet {
		request.Header.Set(idempotencyKeyHeader, key)
	}
	if g.tokens != nil {
		token, err := g.tokens.Token()
		if err != nil {
			return nil, &Error{Op: op, Kind: KindUnauthorized, Err: err}
		}
		if token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	response, err := g.client.Do(request)
	if err != nil {
		g.logger.Debug("gateway request failed", zap.String("operation", op), zap.String("url", target.String()), zap.Error(err))
		return nil, NewTransportError(op, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return nil, NewStatusError(op, response.StatusCode, fmt.Errorf("%s %s: %s", method, target.Path, strings.TrimSpace(string(detail))))
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, NewTransportError(op, err)
	}
	return body, nil
}

// resourcePath maps engine names such as beer_styles to REST segments such as beer-styles.
func resourcePath(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), "_", "-")
}

// decodeItems accepts either a bare JSON array or an object carrying the array
// under "items" or under the resource name.
func decodeItems(body []byte, name string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errUnexpectedShape
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", errUnexpectedShape, err)
		}
		return items, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnexpectedShape, err)
	}
	for _, field := range []string{"items", name, resourcePath(name)} {
		raw, ok := wrapper[field]
		if !ok {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", errUnexpectedShape, err)
		}
		return items, nil
	}
	return nil, errUnexpectedShape
}
