// Package records is the offline cache of user-owned records. Mutations are
// applied optimistically and queued; Drain replays the queue against the
// backend in order once connectivity allows.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/brewsync/internal/background"
	"github.com/MarcoPoloResearchLab/brewsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/brewsync/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxRetries is the number of transport failures after which an operation is marked failed.
	DefaultMaxRetries = 3
	// DefaultDrainConcurrency bounds the dependency chains sent in parallel.
	DefaultDrainConcurrency = 4
)

const (
	opServiceNew         = "records.service.new"
	opList               = "records.list"
	opCreate             = "records.create"
	opUpdate             = "records.update"
	opDelete             = "records.delete"
	opDrain              = "records.drain"
	opSend               = "records.send"
	opDiscard            = "records.discard"
	opRetry              = "records.retry"
	opClear              = "records.clear"
	opRefreshFromServer  = "records.refresh_from_server"
	opLoad               = "records.load"
	opPersist            = "records.persist"
	taskDrain            = "records.drain"
	fieldEntityType      = "entity_type"
	fieldEntityID        = "entity_id"
	fieldOperationID     = "operation_id"
	reasonUnknownType    = "unknown_entity_type"
	reasonMissingUserID  = "missing_user_id"
	reasonMissingID      = "missing_id"
	reasonNotFound       = "not_found"
	reasonIDGeneration   = "id_generation_failed"
	reasonEncode         = "encode_failed"
	reasonDecode         = "decode_failed"
	reasonReadFailed     = "read_failed"
	reasonSchemaMismatch = "schema_mismatch"
	reasonPersist        = "persist_failed"
	reasonRemoveFailed   = "remove_failed"
	reasonFetchFailed    = "fetch_failed"
	reasonTransport      = "transport_failed"
	reasonRejected       = "rejected"
	reasonCanceled       = "canceled"
	reasonInFlight       = "in_flight"
	reasonNotFailed      = "not_failed"
)

// Gateway is the remote surface used for user records.
type Gateway interface {
	List(ctx context.Context, entityType string) ([]json.RawMessage, error)
	Create(ctx context.Context, entityType string, payload json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, entityType, id string, payload json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, entityType, id string) error
}

// Scheduler runs detached work such as background drains.
type Scheduler interface {
	Go(name string, fn background.TaskFunc) *background.Handle
}

// Subscriber streams connectivity transitions.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan connectivity.Event, func())
}

// ServiceConfig describes the dependencies of the record cache.
type ServiceConfig struct {
	Store            storage.Store
	Gateway          Gateway
	Keys             storage.Keys
	Connectivity     connectivity.Monitor
	Scheduler        Scheduler
	Clock            func() time.Time
	IDProvider       IDProvider
	Logger           *zap.Logger
	MaxRetries       int
	DrainConcurrency int
	// AutoDrain starts a background drain after every mutation made while online.
	AutoDrain bool
}

// Service is the User Record Cache together with its pending operation queue.
type Service struct {
	store        storage.Store
	gateway      Gateway
	keys         storage.Keys
	connectivity connectivity.Monitor
	scheduler    Scheduler
	clock        func() time.Time
	idProvider   IDProvider
	logger       *zap.Logger
	maxRetries   int
	concurrency  int
	autoDrain    bool

	drains singleflight.Group

	mu    sync.Mutex
	state state
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Gateway == nil {
		return nil, newServiceError(opServiceNew, "missing_gateway", errMissingGateway)
	}
	keys := cfg.Keys
	if keys.Namespace() == "" {
		defaultKeys, err := storage.NewKeys(storage.DefaultNamespace)
		if err != nil {
			return nil, newServiceError(opServiceNew, "invalid_namespace", err)
		}
		keys = defaultKeys
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	monitor := cfg.Connectivity
	if monitor == nil {
		monitor = connectivity.NewSwitch(true)
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = background.NewSupervisor(background.SupervisorConfig{Logger: logger, Clock: clock})
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	concurrency := cfg.DrainConcurrency
	if concurrency <= 0 {
		concurrency = DefaultDrainConcurrency
	}
	return &Service{
		store:        cfg.Store,
		gateway:      cfg.Gateway,
		keys:         keys,
		connectivity: monitor,
		scheduler:    scheduler,
		clock:        clock,
		idProvider:   idProvider,
		logger:       logger,
		maxRetries:   maxRetries,
		concurrency:  concurrency,
		autoDrain:    cfg.AutoDrain,
		state:        newState(),
	}, nil
}

// List merges confirmed and optimistic entities of one type. On an id
// collision the confirmed entity wins unless the optimistic copy is strictly
// newer; tombstones hide the confirmed entity. Results are ordered by
// last modification, newest first.
func (s *Service) List(ctx context.Context, entityType EntityType, filter ListFilter) ([]Entity, error) {
	if !entityType.Valid() {
		return nil, newServiceError(opList, reasonUnknownType, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType))
	}

	s.mu.Lock()
	// A failed load was logged; reads degrade to empty.
	_ = s.ensureLoadedLocked(ctx)
	document := s.documentLocked(entityType)
	ids := make(map[string]struct{}, len(document.Confirmed)+len(document.Local))
	for _, entity := range document.Confirmed {
		ids[entity.ID] = struct{}{}
	}
	for _, entity := range document.Local {
		ids[entity.ID] = struct{}{}
	}
	merged := make([]Entity, 0, len(ids))
	for id := range ids {
		entity, ok := s.visibleLocked(entityType, id)
		if ok && filter.matches(entity) {
			merged = append(merged, entity.clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].LastModified.Equal(merged[j].LastModified) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].LastModified.After(merged[j].LastModified)
	})
	return merged, nil
}

// Create stores a new entity under a temporary id and queues its creation.
// No network call is made.
func (s *Service) Create(ctx context.Context, entityType EntityType, userID, name string, data map[string]any) (Entity, error) {
	if !entityType.Valid() {
		return Entity{}, newServiceError(opCreate, reasonUnknownType, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType))
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Entity{}, newServiceError(opCreate, reasonMissingUserID, errMissingUserID)
	}
	rawID, err := s.idProvider.NewID()
	if err != nil {
		return Entity{}, newServiceError(opCreate, reasonIDGeneration, err)
	}
	operationID, err := s.idProvider.NewID()
	if err != nil {
		return Entity{}, newServiceError(opCreate, reasonIDGeneration, err)
	}

	tempID := TempIDPrefix + rawID
	entity := Entity{
		ID:           tempID,
		TempID:       tempID,
		EntityType:   entityType,
		UserID:       userID,
		Name:         name,
		LastModified: s.clock().UTC(),
		SyncStatus:   SyncStatusPending,
		Data:         copyData(data),
	}
	payload, err := payloadFor(entity)
	if err != nil {
		return Entity{}, newServiceError(opCreate, reasonEncode, err)
	}

	s.mu.Lock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		s.mu.Unlock()
		return Entity{}, newServiceError(opCreate, reasonReadFailed, err)
	}
	document := s.documentLocked(entityType)
	document.Local = upsert(document.Local, entity)
	op := s.enqueueLocked(PendingOperation{
		ID:         operationID,
		Type:       OperationCreate,
		EntityType: entityType,
		EntityID:   tempID,
		TempID:     tempID,
		Payload:    payload,
		Status:     OperationStatusPending,
		EnqueuedAt: entity.LastModified,
	})
	s.saveEntitiesLocked(ctx, entityType)
	s.saveQueueLocked(ctx)
	s.mu.Unlock()

	s.logger.Debug("record created locally",
		zap.String(fieldEntityType, entityType.String()),
		zap.String(fieldEntityID, tempID),
		zap.String(fieldOperationID, op.ID))
	s.afterEnqueue()
	return entity.clone(), nil
}

// Update applies patch to the visible entity and queues the change. A
// temporary id that has since been mapped resolves to the server id.
func (s *Service) Update(ctx context.Context, entityType EntityType, id string, patch Patch) (Entity, error) {
	if !entityType.Valid() {
		return Entity{}, newServiceError(opUpdate, reasonUnknownType, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType))
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Entity{}, newServiceError(opUpdate, reasonMissingID, errMissingID)
	}
	operationID, err := s.idProvider.NewID()
	if err != nil {
		return Entity{}, newServiceError(opUpdate, reasonIDGeneration, err)
	}

	s.mu.Lock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		s.mu.Unlock()
		return Entity{}, newServiceError(opUpdate, reasonReadFailed, err)
	}
	resolved := s.resolveLocked(id)
	current, ok := s.visibleLocked(entityType, resolved)
	if !ok {
		s.mu.Unlock()
		return Entity{}, newServiceError(opUpdate, reasonNotFound, fmt.Errorf("%w: %s", ErrEntityNotFound, id))
	}
	updated := current.clone()
	patch.apply(&updated)
	updated.LastModified = s.clock().UTC()
	updated.SyncStatus = SyncStatusPending
	payload, err := payloadFor(updated)
	if err != nil {
		s.mu.Unlock()
		return Entity{}, newServiceError(opUpdate, reasonEncode, err)
	}
	document := s.documentLocked(entityType)
	document.Local = upsert(document.Local, updated)
	s.enqueueLocked(PendingOperation{
		ID:         operationID,
		Type:       OperationUpdate,
		EntityType: entityType,
		EntityID:   resolved,
		TempID:     temporaryOrEmpty(resolved),
		Payload:    payload,
		Status:     OperationStatusPending,
		EnqueuedAt: updated.LastModified,
	})
	s.saveEntitiesLocked(ctx, entityType)
	s.saveQueueLocked(ctx)
	s.mu.Unlock()

	s.afterEnqueue()
	return updated.clone(), nil
}

// Delete hides the entity behind a tombstone and queues its removal.
func (s *Service) Delete(ctx context.Context, entityType EntityType, id string) error {
	if !entityType.Valid() {
		return newServiceError(opDelete, reasonUnknownType, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType))
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return newServiceError(opDelete, reasonMissingID, errMissingID)
	}
	operationID, err := s.idProvider.NewID()
	if err != nil {
		return newServiceError(opDelete, reasonIDGeneration, err)
	}

	s.mu.Lock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		s.mu.Unlock()
		return newServiceError(opDelete, reasonReadFailed, err)
	}
	resolved := s.resolveLocked(id)
	current, ok := s.visibleLocked(entityType, resolved)
	if !ok {
		s.mu.Unlock()
		return newServiceError(opDelete, reasonNotFound, fmt.Errorf("%w: %s", ErrEntityNotFound, id))
	}
	tombstone := current.clone()
	tombstone.Deleted = true
	tombstone.LastModified = s.clock().UTC()
	tombstone.SyncStatus = SyncStatusPending
	document := s.documentLocked(entityType)
	document.Local = upsert(document.Local, tombstone)
	s.enqueueLocked(PendingOperation{
		ID:         operationID,
		Type:       OperationDelete,
		EntityType: entityType,
		EntityID:   resolved,
		TempID:     temporaryOrEmpty(resolved),
		Status:     OperationStatusPending,
		EnqueuedAt: tombstone.LastModified,
	})
	s.saveEntitiesLocked(ctx, entityType)
	s.saveQueueLocked(ctx)
	s.mu.Unlock()

	s.afterEnqueue()
	return nil
}

// PendingOperations returns a copy of the queue in replay order.
func (s *Service) PendingOperations(ctx context.Context) []PendingOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoadedLocked(ctx)
	operations := make([]PendingOperation, len(s.state.queue))
	copy(operations, s.state.queue)
	sort.SliceStable(operations, func(i, j int) bool { return operations[i].Seq < operations[j].Seq })
	return operations
}

// IDMappings returns the temporary-to-server id table, oldest first.
func (s *Service) IDMappings(ctx context.Context) []IDMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoadedLocked(ctx)
	mappings := make([]IDMapping, 0, len(s.state.mappings))
	for _, mapping := range s.state.mappings {
		mappings = append(mappings, mapping)
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].MappedAt.Before(mappings[j].MappedAt) })
	return mappings
}

// Discard removes an operation that is not in flight and rolls back its
// optimistic effect; the operations still queued for the entity are
// reapplied on top of the confirmed state. Discarding an unsynced create also
// discards every later operation on the same entity. It returns the number of removed operations.
func (s *Service) Discard(ctx context.Context, operationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		return 0, newServiceError(opDiscard, reasonReadFailed, err)
	}

	index := s.operationIndexLocked(operationID)
	if index < 0 {
		return 0, newServiceError(opDiscard, reasonNotFound, fmt.Errorf("%w: %s", ErrOperationNotFound, operationID))
	}
	target := s.state.queue[index]
	if target.Status == OperationStatusInFlight {
		return 0, newServiceError(opDiscard, reasonInFlight, fmt.Errorf("%w: %s", ErrOperationInFlight, operationID))
	}

	discarded := []PendingOperation{target}
	if target.Type == OperationCreate {
		chainKey := s.chainKeyLocked(target)
		for _, op := range s.state.queue {
			if op.ID != target.ID && s.chainKeyLocked(op) == chainKey && op.Seq > target.Seq {
				discarded = append(discarded, op)
			}
		}
	}
	for _, op := range discarded {
		if op.Status == OperationStatusInFlight {
			return 0, newServiceError(opDiscard, reasonInFlight, fmt.Errorf("%w: %s", ErrOperationInFlight, op.ID))
		}
	}
	chainKey := s.chainKeyLocked(target)
	for _, op := range discarded {
		s.removeOperationLocked(op.ID)
	}
	s.rebuildLocalLocked(target.EntityType, chainKey)
	s.saveEntitiesLocked(ctx, target.EntityType)
	s.saveQueueLocked(ctx)

	s.logger.Info("pending operation discarded",
		zap.String(fieldOperationID, operationID),
		zap.String(fieldEntityType, target.EntityType.String()),
		zap.Int("discarded", len(discarded)))
	return len(discarded), nil
}

// Retry resets a failed operation to pending and restores its optimistic copy.
func (s *Service) Retry(ctx context.Context, operationID string) error {
	s.mu.Lock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		s.mu.Unlock()
		return newServiceError(opRetry, reasonReadFailed, err)
	}
	index := s.operationIndexLocked(operationID)
	if index < 0 {
		s.mu.Unlock()
		return newServiceError(opRetry, reasonNotFound, fmt.Errorf("%w: %s", ErrOperationNotFound, operationID))
	}
	op := &s.state.queue[index]
	if op.Status != OperationStatusFailed {
		s.mu.Unlock()
		return newServiceError(opRetry, reasonNotFailed, fmt.Errorf("%w: %s", ErrOperationNotFailed, operationID))
	}
	op.Status = OperationStatusPending
	op.RetryCount = 0
	op.LastError = ""
	s.restoreLocked(*op)
	entityType := op.EntityType
	s.saveEntitiesLocked(ctx, entityType)
	s.saveQueueLocked(ctx)
	s.mu.Unlock()

	s.afterEnqueue()
	return nil
}

// Clear removes every cached record, queued operation and id mapping.
func (s *Service) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = newState()
	s.state.loaded = true

	keys := []string{s.keys.PendingOperations(), s.keys.IdentifierMappings()}
	for _, entityType := range EntityTypes() {
		keys = append(keys, s.keys.Records(entityType.Collection()))
	}
	if err := s.store.Remove(ctx, keys...); err != nil {
		s.logError(opClear, reasonRemoveFailed, err)
		return newServiceError(opClear, reasonRemoveFailed, err)
	}
	return nil
}

// RefreshFromServer replaces the confirmed entities owned by userID with the
// server listing. Optimistic copies with queued operations are kept. Offline
// it does nothing. It returns the number of confirmed entities received.
func (s *Service) RefreshFromServer(ctx context.Context, entityType EntityType, userID string) (int, error) {
	if !entityType.Valid() {
		return 0, newServiceError(opRefreshFromServer, reasonUnknownType, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType))
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, newServiceError(opRefreshFromServer, reasonMissingUserID, errMissingUserID)
	}
	if !s.connectivity.IsOnline() {
		return 0, nil
	}

	rawEntities, err := s.gateway.List(ctx, entityType.Collection())
	if err != nil {
		s.logError(opRefreshFromServer, reasonFetchFailed, err, zap.String(fieldEntityType, entityType.String()))
		return 0, newServiceError(opRefreshFromServer, reasonFetchFailed, err)
	}
	now := s.clock().UTC()
	fetched := make([]Entity, 0, len(rawEntities))
	for index, raw := range rawEntities {
		entity, ok := entityFromServer(raw, entityType, Entity{UserID: userID}, now)
		if !ok {
			s.logError(opRefreshFromServer, reasonDecode, nil, zap.String(fieldEntityType, entityType.String()), zap.Int("index", index))
			continue
		}
		fetched = append(fetched, entity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		return 0, newServiceError(opRefreshFromServer, reasonReadFailed, err)
	}
	document := s.documentLocked(entityType)
	confirmed := make([]Entity, 0, len(document.Confirmed)+len(fetched))
	for _, entity := range document.Confirmed {
		if entity.UserID != userID {
			confirmed = append(confirmed, entity)
		}
	}
	document.Confirmed = append(confirmed, fetched...)
	local := document.Local[:0]
	for _, entity := range document.Local {
		if s.hasOutstandingLocked(entity.ID) {
			local = append(local, entity)
		}
	}
	document.Local = local
	s.saveEntitiesLocked(ctx, entityType)
	return len(fetched), nil
}

func (s *Service) afterEnqueue() {
	if s.autoDrain && s.connectivity.IsOnline() {
		s.DrainInBackground()
	}
}

func temporaryOrEmpty(id string) string {
	if IsTemporaryID(id) {
		return id
	}
	return ""
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("record cache error", attrs...)
}
