package records

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// EntityType names a kind of user-owned record.
type EntityType string

const (
	// EntityTypeRecipe is a brewing recipe.
	EntityTypeRecipe EntityType = "recipe"
	// EntityTypeBrewSession is a logged brew day.
	EntityTypeBrewSession EntityType = "brew_session"
)

// EntityTypes lists every record kind in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{EntityTypeRecipe, EntityTypeBrewSession}
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityTypeRecipe || t == EntityTypeBrewSession
}

// Collection is the plural name used for storage keys and remote resources.
func (t EntityType) Collection() string {
	switch t {
	case EntityTypeRecipe:
		return "recipes"
	case EntityTypeBrewSession:
		return "brew_sessions"
	default:
		return string(t) + "s"
	}
}

func (t EntityType) String() string {
	return string(t)
}

// TempIDPrefix marks identifiers generated on the client before the first sync.
const TempIDPrefix = "temp_"

// IsTemporaryID reports whether id was generated on the client.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// SyncStatus describes how far a local entity is from the server state.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusFailed  SyncStatus = "failed"
)

// Entity is a user record. Before its first successful sync ID equals TempID;
// afterwards ID is the server id and TempID is kept for auditing.
type Entity struct {
	ID           string         `json:"id"`
	TempID       string         `json:"temp_id,omitempty"`
	EntityType   EntityType     `json:"entity_type"`
	UserID       string         `json:"user_id"`
	Name         string         `json:"name"`
	Data         map[string]any `json:"data,omitempty"`
	LastModified time.Time      `json:"last_modified"`
	SyncStatus   SyncStatus     `json:"sync_status"`
	Deleted      bool           `json:"deleted,omitempty"`
}

func (e Entity) clone() Entity {
	copied := e
	copied.Data = copyData(e.Data)
	return copied
}

func copyData(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	copied := make(map[string]any, len(data))
	for key, value := range data {
		copied[key] = value
	}
	return copied
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	UserID string
	Name   string
}

func (f ListFilter) matches(entity Entity) bool {
	if f.UserID != "" && entity.UserID != f.UserID {
		return false
	}
	if name := strings.TrimSpace(f.Name); name != "" && !strings.Contains(strings.ToLower(entity.Name), strings.ToLower(name)) {
		return false
	}
	return true
}

// Patch describes a partial update. A nil value in Data removes the key.
type Patch struct {
	Name *string
	Data map[string]any
}

func (p Patch) apply(entity *Entity) {
	if p.Name != nil {
		entity.Name = *p.Name
	}
	if len(p.Data) == 0 {
		return
	}
	if entity.Data == nil {
		entity.Data = make(map[string]any, len(p.Data))
	}
	for key, value := range p.Data {
		if value == nil {
			delete(entity.Data, key)
			continue
		}
		entity.Data[key] = value
	}
}

// OperationType is the kind of queued mutation.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// OperationStatus is the queue state of a pending operation.
type OperationStatus string

const (
	OperationStatusPending  OperationStatus = "pending"
	OperationStatusInFlight OperationStatus = "in_flight"
	OperationStatusFailed   OperationStatus = "failed"
)

// PendingOperation is a mutation awaiting server confirmation. EntityID is the
// identifier known when the mutation was requested; it is resolved through the
// id mapping table when the operation is sent, never rewritten in place.
type PendingOperation struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Type       OperationType   `json:"type"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	TempID     string          `json:"temp_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     OperationStatus `json:"status"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// IDMapping records the server id assigned to a temporary id.
type IDMapping struct {
	TempID      string     `json:"temp_id"`
	ServerID    string     `json:"server_id"`
	EntityType  EntityType `json:"entity_type"`
	OperationID string     `json:"operation_id"`
	MappedAt    time.Time  `json:"mapped_at"`
}

// entityDocument is the persisted form of one entity kind: the last
// server-confirmed state plus optimistic local copies and tombstones.
type entityDocument struct {
	Confirmed []Entity `json:"confirmed"`
	Local     []Entity `json:"local"`
}

func indexOf(entities []Entity, id string) int {
	for index, entity := range entities {
		if entity.ID == id {
			return index
		}
	}
	return -1
}

func upsert(entities []Entity, entity Entity) []Entity {
	if index := indexOf(entities, entity.ID); index >= 0 {
		entities[index] = entity
		return entities
	}
	return append(entities, entity)
}

func remove(entities []Entity, id string) []Entity {
	if index := indexOf(entities, id); index >= 0 {
		return append(entities[:index], entities[index+1:]...)
	}
	return entities
}

// payloadFor renders the request body sent to the backend.
func payloadFor(entity Entity) (json.RawMessage, error) {
	body := make(map[string]any, len(entity.Data)+2)
	for key, value := range entity.Data {
		body[key] = value
	}
	body["name"] = entity.Name
	if entity.UserID != "" {
		body["user_id"] = entity.UserID
	}
	return json.Marshal(body)
}

// withID returns payload with its "id" field replaced.
func withID(payload json.RawMessage, id string) (json.RawMessage, error) {
	body := map[string]any{}
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, err
		}
	}
	body["id"] = id
	return json.Marshal(body)
}

var serverIDFields = []string{"id", "recipe_id", "session_id"}

// entityFromServer converts a server representation into a confirmed Entity.
func entityFromServer(raw json.RawMessage, entityType EntityType, fallback Entity, now time.Time) (Entity, bool) {
	body := map[string]any{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Entity{}, false
	}
	id := ""
	for _, field := range serverIDFields {
		if value, ok := body[field]; ok {
			if id = stringify(value); id != "" {
				break
			}
		}
	}
	if id == "" {
		return Entity{}, false
	}

	entity := Entity{
		ID:           id,
		TempID:       fallback.TempID,
		EntityType:   entityType,
		UserID:       fallback.UserID,
		Name:         fallback.Name,
		Data:         copyData(fallback.Data),
		LastModified: now,
		SyncStatus:   SyncStatusSynced,
	}
	if entity.Data == nil {
		entity.Data = make(map[string]any, len(body))
	}
	for key, value := range body {
		switch key {
		case "id", "recipe_id", "session_id":
		case "name":
			entity.Name = stringify(value)
		case "user_id":
			entity.UserID = stringify(value)
		case "updated_at":
			if parsed, err := time.Parse(time.RFC3339, stringify(value)); err == nil {
				entity.LastModified = parsed.UTC()
			}
			entity.Data[key] = value
		default:
			entity.Data[key] = value
		}
	}
	return entity, true
}

func stringify(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
