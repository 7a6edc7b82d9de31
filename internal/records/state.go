package records

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/brewsync/internal/storage"
	"go.uber.org/zap"
)

const (
	entitySchemaVersion  = 1
	queueSchemaVersion   = 1
	mappingSchemaVersion = 1
)

// state is the in-process copy of every persisted records document. It is
// authoritative for the running process; the store is written through after
// each mutation and a failed write is logged, not surfaced.
type state struct {
	loaded   bool
	entities map[EntityType]*entityDocument
	queue    []PendingOperation
	mappings map[string]IDMapping
}

func newState() state {
	entities := make(map[EntityType]*entityDocument, len(EntityTypes()))
	for _, entityType := range EntityTypes() {
		entities[entityType] = &entityDocument{}
	}
	return state{entities: entities, mappings: make(map[string]IDMapping)}
}

// ensureLoadedLocked loads the persisted documents once. Schema mismatches and
// corrupt documents degrade to empty. Any other read failure leaves the state
// unloaded so the next call retries, and is returned so callers never persist
// over documents they could not read.
func (s *Service) ensureLoadedLocked(ctx context.Context) error {
	if s.state.loaded {
		return nil
	}
	loaded := newState()
	loaded.loaded = true
	var readErr error
	check := func(err error, fields ...zap.Field) bool {
		if err == nil {
			return true
		}
		s.logLoadError(err, fields...)
		if !degradesToEmpty(err) && readErr == nil {
			readErr = err
		}
		return false
	}

	for _, entityType := range EntityTypes() {
		key := s.keys.Records(entityType.Collection())
		document, ok, err := storage.LoadDocument[entityDocument](ctx, s.store, key, entitySchemaVersion)
		if check(err, zap.String(fieldEntityType, entityType.String())) && ok {
			loaded.entities[entityType] = &document
		}
	}

	queue, ok, err := storage.LoadDocument[[]PendingOperation](ctx, s.store, s.keys.PendingOperations(), queueSchemaVersion)
	if check(err, zap.String("key", s.keys.PendingOperations())) && ok {
		for index := range queue {
			// No acknowledgement survived the previous process.
			if queue[index].Status == OperationStatusInFlight {
				queue[index].Status = OperationStatusPending
			}
		}
		sort.SliceStable(queue, func(i, j int) bool { return queue[i].Seq < queue[j].Seq })
		loaded.queue = queue
	}

	mappings, ok, err := storage.LoadDocument[[]IDMapping](ctx, s.store, s.keys.IdentifierMappings(), mappingSchemaVersion)
	if check(err, zap.String("key", s.keys.IdentifierMappings())) && ok {
		for _, mapping := range mappings {
			loaded.mappings[mapping.TempID] = mapping
		}
	}

	if readErr != nil {
		return readErr
	}
	s.state = loaded
	return nil
}

func degradesToEmpty(err error) bool {
	return errors.Is(err, storage.ErrSchemaMismatch) || errors.Is(err, storage.ErrCorruptDocument)
}

func (s *Service) logLoadError(err error, fields ...zap.Field) {
	reason := reasonReadFailed
	if errors.Is(err, storage.ErrSchemaMismatch) {
		reason = reasonSchemaMismatch
	}
	s.logError(opLoad, reason, err, fields...)
}

func (s *Service) documentLocked(entityType EntityType) *entityDocument {
	document, ok := s.state.entities[entityType]
	if !ok {
		document = &entityDocument{}
		s.state.entities[entityType] = document
	}
	return document
}

func (s *Service) saveEntitiesLocked(ctx context.Context, entityType EntityType) {
	key := s.keys.Records(entityType.Collection())
	if err := storage.SaveDocument(ctx, s.store, key, entitySchemaVersion, s.clock(), *s.documentLocked(entityType)); err != nil {
		s.logError(opPersist, reasonPersist, err, zap.String(fieldEntityType, entityType.String()))
	}
}

func (s *Service) saveQueueLocked(ctx context.Context) {
	queue := s.state.queue
	if queue == nil {
		queue = []PendingOperation{}
	}
	if err := storage.SaveDocument(ctx, s.store, s.keys.PendingOperations(), queueSchemaVersion, s.clock(), queue); err != nil {
		s.logError(opPersist, reasonPersist, err, zap.String("key", s.keys.PendingOperations()))
	}
}

func (s *Service) saveMappingsLocked(ctx context.Context) {
	mappings := make([]IDMapping, 0, len(s.state.mappings))
	for _, mapping := range s.state.mappings {
		mappings = append(mappings, mapping)
	}
	sort.Slice(mappings, func(i, j int) bool {
		if mappings[i].MappedAt.Equal(mappings[j].MappedAt) {
			return mappings[i].TempID < mappings[j].TempID
		}
		return mappings[i].MappedAt.Before(mappings[j].MappedAt)
	})
	if err := storage.SaveDocument(ctx, s.store, s.keys.IdentifierMappings(), mappingSchemaVersion, s.clock(), mappings); err != nil {
		s.logError(opPersist, reasonPersist, err, zap.String("key", s.keys.IdentifierMappings()))
	}
}

// resolveLocked maps a temporary id to its server id once the create succeeded.
func (s *Service) resolveLocked(id string) string {
	if mapping, ok := s.state.mappings[id]; ok {
		return mapping.ServerID
	}
	return id
}

func (s *Service) chainKeyLocked(op PendingOperation) string {
	return s.resolveLocked(op.EntityID)
}

func (s *Service) operationIndexLocked(id string) int {
	for index, op := range s.state.queue {
		if op.ID == id {
			return index
		}
	}
	return -1
}

func (s *Service) enqueueLocked(op PendingOperation) PendingOperation {
	var last int64
	for _, queued := range s.state.queue {
		if queued.Seq > last {
			last = queued.Seq
		}
	}
	op.Seq = last + 1
	s.state.queue = append(s.state.queue, op)
	return op
}

func (s *Service) removeOperationLocked(id string) {
	if index := s.operationIndexLocked(id); index >= 0 {
		s.state.queue = append(s.state.queue[:index], s.state.queue[index+1:]...)
	}
}

func (s *Service) hasOutstandingLocked(chainKey string) bool {
	for _, op := range s.state.queue {
		if s.chainKeyLocked(op) == chainKey {
			return true
		}
	}
	return false
}

// visibleLocked applies the List merge rule to a single id.
func (s *Service) visibleLocked(entityType EntityType, id string) (Entity, bool) {
	document := s.documentLocked(entityType)
	confirmedIndex := indexOf(document.Confirmed, id)
	localIndex := indexOf(document.Local, id)

	if localIndex >= 0 {
		local := document.Local[localIndex]
		if local.Deleted {
			return Entity{}, false
		}
		if confirmedIndex < 0 || local.LastModified.After(document.Confirmed[confirmedIndex].LastModified) {
			return local, true
		}
	}
	if confirmedIndex >= 0 {
		return document.Confirmed[confirmedIndex], true
	}
	return Entity{}, false
}

// rollbackLocked drops the optimistic copy of the entity touched by op so the
// confirmed state shows through again.
func (s *Service) rollbackLocked(op PendingOperation) {
	document := s.documentLocked(op.EntityType)
	document.Local = remove(document.Local, s.chainKeyLocked(op))
}

// rebuildLocalLocked recomputes the optimistic copy of chainKey by replaying
// the queued operations that still hold an effect, in queue order. Without
// any, the confirmed state shows through.
func (s *Service) rebuildLocalLocked(entityType EntityType, chainKey string) {
	document := s.documentLocked(entityType)
	document.Local = remove(document.Local, chainKey)
	for _, op := range s.state.queue {
		if op.EntityType != entityType || op.Status == OperationStatusFailed || s.chainKeyLocked(op) != chainKey {
			continue
		}
		s.restoreLocked(op)
	}
}

// restoreLocked rebuilds the optimistic copy described by op.
func (s *Service) restoreLocked(op PendingOperation) {
	key := s.chainKeyLocked(op)
	document := s.documentLocked(op.EntityType)
	now := s.clock().UTC()

	if op.Type == OperationDelete {
		current, ok := s.visibleLocked(op.EntityType, key)
		if !ok {
			return
		}
		tombstone := current.clone()
		tombstone.Deleted = true
		tombstone.SyncStatus = SyncStatusPending
		tombstone.LastModified = now
		document.Local = upsert(document.Local, tombstone)
		return
	}

	body, err := withID(op.Payload, key)
	if err != nil {
		s.logError(opRetry, reasonDecode, err, zap.String(fieldOperationID, op.ID))
		return
	}
	entity, ok := entityFromServer(body, op.EntityType, Entity{TempID: op.TempID}, now)
	if !ok {
		return
	}
	entity.LastModified = now
	entity.SyncStatus = SyncStatusPending
	document.Local = upsert(document.Local, entity)
}
