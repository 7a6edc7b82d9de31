package refcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Collection names a reference catalog.
type Collection string

const (
	// Ingredients is the ingredient catalog (grains, hops, yeast, adjuncts).
	Ingredients Collection = "ingredients"
	// BeerStyles is the style guideline catalog.
	BeerStyles Collection = "beer_styles"
)

// Collections lists every reference catalog in a stable order.
func Collections() []Collection {
	return []Collection{Ingredients, BeerStyles}
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	return c == Ingredients || c == BeerStyles
}

func (c Collection) String() string {
	return string(c)
}

var errMissingItemID = errors.New("refcache: item id missing")

// Item is a reference entity. It is immutable on the client; Raw keeps the full
// server representation for callers that need attributes beyond the indexed ones.
type Item struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category,omitempty"`
	Type     string          `json:"type,omitempty"`
	Raw      json.RawMessage `json:"raw"`
}

type itemFields struct {
	ID           json.RawMessage `json:"id"`
	IngredientID json.RawMessage `json:"ingredient_id"`
	StyleID      json.RawMessage `json:"style_id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	Type         string          `json:"type"`
}

// decodeItem extracts the indexed fields of a server item.
func decodeItem(raw json.RawMessage) (Item, error) {
	var fields itemFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Item{}, err
	}
	id := ""
	for _, candidate := range []json.RawMessage{fields.ID, fields.IngredientID, fields.StyleID} {
		if id = normalizeID(candidate); id != "" {
			break
		}
	}
	if id == "" {
		return Item{}, errMissingItemID
	}
	return Item{
		ID:       id,
		Name:     fields.Name,
		Category: fields.Category,
		Type:     fields.Type,
		Raw:      append(json.RawMessage(nil), raw...),
	}, nil
}

// normalizeID accepts both string and numeric identifiers.
func normalizeID(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var asString string
	if err := json.Unmarshal(trimmed, &asString); err == nil {
		return strings.TrimSpace(asString)
	}
	var asNumber json.Number
	if err := json.Unmarshal(trimmed, &asNumber); err == nil {
		return asNumber.String()
	}
	return string(trimmed)
}

// CachedCollection is the persisted form of a catalog. Items are only ever
// replaced as a whole when a different version is observed.
type CachedCollection struct {
	Items        []Item    `json:"items"`
	Version      string    `json:"version"`
	CachedAt     time.Time `json:"cached_at"`
	NeverExpires bool      `json:"never_expires"`
}

// Filter narrows a catalog in memory. Empty fields match everything.
type Filter struct {
	Name     string
	Category string
	Type     string
}

// Matches reports whether item satisfies every non-empty criterion.
func (f Filter) Matches(item Item) bool {
	if name := strings.TrimSpace(f.Name); name != "" && !strings.Contains(strings.ToLower(item.Name), strings.ToLower(name)) {
		return false
	}
	if category := strings.TrimSpace(f.Category); category != "" && !strings.EqualFold(item.Category, category) {
		return false
	}
	if itemType := strings.TrimSpace(f.Type); itemType != "" && !strings.EqualFold(item.Type, itemType) {
		return false
	}
	return true
}

// Apply returns the matching items in catalog order.
func (f Filter) Apply(items []Item) []Item {
	matched := make([]Item, 0, len(items))
	for _, item := range items {
		if f.Matches(item) {
			matched = append(matched, item)
		}
	}
	return matched
}

// CollectionStats is the diagnostic view of one catalog.
type CollectionStats struct {
	Collection  Collection `json:"collection"`
	Cached      bool       `json:"cached"`
	Version     string     `json:"version,omitempty"`
	RecordCount int        `json:"record_count"`
	LastUpdated time.Time  `json:"last_updated,omitempty"`
}
