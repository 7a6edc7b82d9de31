package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/brewsync/internal/background"
	"github.com/MarcoPoloResearchLab/brewsync/internal/gateway"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const drainFlightKey = "drain"

var errMissingServerID = errors.New("create response carries no identifier")

// DrainReport summarizes one pass over the queue.
type DrainReport struct {
	Skipped   bool `json:"skipped"`
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Retried   int  `json:"retried"`
	Failed    int  `json:"failed"`
	Blocked   int  `json:"blocked"`

	// Unauthorized reports that the backend rejected the session; the queue
	// is left untouched until the session is renewed.
	Unauthorized bool `json:"unauthorized"`
}

type drainTally struct {
	mu     sync.Mutex
	report DrainReport
}

func (t *drainTally) add(update func(*DrainReport)) {
	t.mu.Lock()
	update(&t.report)
	t.mu.Unlock()
}

func (t *drainTally) unauthorized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report.Unauthorized
}

// outbound is one operation prepared for sending.
type outbound struct {
	op         PendingOperation
	resolvedID string
	payload    json.RawMessage
	replayed   bool
}

// Drain replays queued operations against the backend. Operations touching
// the same entity form a chain sent strictly in queue order; independent
// chains are sent concurrently. Offline, Drain does nothing. Concurrent calls
// share one pass, which outlives any single caller giving up.
func (s *Service) Drain(ctx context.Context) (DrainReport, error) {
	if !s.connectivity.IsOnline() {
		s.logger.Debug("queue drain skipped while offline", zap.String("operation", opDrain))
		return DrainReport{Skipped: true}, nil
	}
	results := s.drains.DoChan(drainFlightKey, func() (any, error) {
		return s.drain(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return DrainReport{}, newServiceError(opDrain, reasonCanceled, ctx.Err())
	case result := <-results:
		report, _ := result.Val.(DrainReport)
		return report, result.Err
	}
}

// DrainInBackground runs Drain as a supervised task.
func (s *Service) DrainInBackground() *background.Handle {
	return s.scheduler.Go(taskDrain, func(ctx context.Context) error {
		_, err := s.Drain(ctx)
		return err
	})
}

// WatchConnectivity starts a background drain on every transition to online
// until ctx ends.
func (s *Service) WatchConnectivity(ctx context.Context, source Subscriber) error {
	events, cleanup := source.Subscribe(ctx)
	defer cleanup()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			if event.Online {
				s.logger.Info("connectivity regained, draining queue", zap.Time("at", event.At))
				s.DrainInBackground()
			}
		}
	}
}

func (s *Service) drain(ctx context.Context) (DrainReport, error) {
	s.mu.Lock()
	if err := s.ensureLoadedLocked(ctx); err != nil {
		s.mu.Unlock()
		return DrainReport{}, newServiceError(opDrain, reasonReadFailed, err)
	}
	chains := s.chainsLocked()
	s.mu.Unlock()

	tally := &drainTally{}
	var group errgroup.Group
	group.SetLimit(s.concurrency)
	for _, chain := range chains {
		group.Go(func() error {
			s.drainChain(ctx, chain, tally)
			return nil
		})
	}
	_ = group.Wait()

	report := tally.report
	if err := ctx.Err(); err != nil {
		return report, newServiceError(opDrain, reasonCanceled, err)
	}
	if report.Attempted > 0 || report.Blocked > 0 {
		s.logger.Info("queue drained",
			zap.Bool("unauthorized", report.Unauthorized),
			zap.Int("attempted", report.Attempted),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("retried", report.Retried),
			zap.Int("failed", report.Failed),
			zap.Int("blocked", report.Blocked))
	}
	return report, nil
}

// chainsLocked groups queued operation ids by resolved entity id, each chain
// in queue order and chains ordered by their first operation.
func (s *Service) chainsLocked() [][]string {
	ordered := make([]PendingOperation, len(s.state.queue))
	copy(ordered, s.state.queue)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	positions := make(map[string]int)
	var chains [][]string
	for _, op := range ordered {
		key := s.chainKeyLocked(op)
		position, ok := positions[key]
		if !ok {
			position = len(chains)
			positions[key] = position
			chains = append(chains, nil)
		}
		chains[position] = append(chains[position], op.ID)
	}
	return chains
}

func (s *Service) drainChain(ctx context.Context, chain []string, tally *drainTally) {
	for position, operationID := range chain {
		if ctx.Err() != nil {
			return
		}
		if tally.unauthorized() {
			remaining := len(chain) - position
			tally.add(func(r *DrainReport) { r.Blocked += remaining })
			return
		}
		request, proceed := s.begin(ctx, operationID)
		if !proceed {
			remaining := len(chain) - position
			tally.add(func(r *DrainReport) { r.Blocked += remaining })
			return
		}
		if request == nil {
			continue
		}
		tally.add(func(r *DrainReport) { r.Attempted++ })

		response, err := s.send(ctx, request)
		if !s.finish(ctx, request, response, err, tally) {
			remaining := len(chain) - position - 1
			if remaining > 0 {
				tally.add(func(r *DrainReport) { r.Blocked += remaining })
			}
			return
		}
	}
}

// begin marks the operation in flight and resolves its target id. It returns
// a nil request for an operation removed since the chain was planned and
// proceed=false when the chain cannot advance.
func (s *Service) begin(ctx context.Context, operationID string) (*outbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.operationIndexLocked(operationID)
	if index < 0 {
		return nil, true
	}
	op := &s.state.queue[index]
	if op.Status != OperationStatusPending {
		return nil, false
	}

	request := &outbound{op: *op, resolvedID: s.chainKeyLocked(*op)}
	switch op.Type {
	case OperationCreate:
		if mapping, ok := s.state.mappings[op.TempID]; ok && op.TempID != "" {
			request.resolvedID = mapping.ServerID
			request.replayed = true
		}
		request.payload = op.Payload
	case OperationUpdate, OperationDelete:
		if IsTemporaryID(request.resolvedID) {
			// The create for this entity has not been confirmed yet.
			return nil, false
		}
		if op.Type == OperationUpdate {
			payload, err := withID(op.Payload, request.resolvedID)
			if err != nil {
				s.logError(opSend, reasonEncode, err, zap.String(fieldOperationID, op.ID))
				return nil, false
			}
			request.payload = payload
		}
	}

	op.Status = OperationStatusInFlight
	request.op.Status = OperationStatusInFlight
	s.saveQueueLocked(ctx)
	return request, true
}

func (s *Service) send(ctx context.Context, request *outbound) (json.RawMessage, error) {
	if request.replayed {
		return nil, nil
	}
	resource := request.op.EntityType.Collection()
	ctx = gateway.WithIdempotencyKey(ctx, request.op.ID)
	switch request.op.Type {
	case OperationCreate:
		return s.gateway.Create(ctx, resource, request.payload)
	case OperationUpdate:
		return s.gateway.Update(ctx, resource, request.resolvedID, request.payload)
	case OperationDelete:
		err := s.gateway.Delete(ctx, resource, request.resolvedID)
		if gateway.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	default:
		return nil, gateway.NewStatusError(opSend, 400, fmt.Errorf("unsupported operation type %q", request.op.Type))
	}
}

// finish records the outcome of a send and reports whether the chain may continue.
func (s *Service) finish(ctx context.Context, request *outbound, response json.RawMessage, sendErr error, tally *drainTally) bool {
	now := s.clock().UTC()

	var created Entity
	if sendErr == nil && request.op.Type == OperationCreate && !request.replayed {
		entity, ok := entityFromServer(response, request.op.EntityType, Entity{TempID: request.op.TempID}, request.op.EnqueuedAt)
		if !ok {
			sendErr = gateway.NewStatusError(opSend, 422, errMissingServerID)
		} else {
			created = entity
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.operationIndexLocked(request.op.ID)
	if index < 0 {
		return true
	}
	op := &s.state.queue[index]
	fields := []zap.Field{
		zap.String(fieldOperationID, op.ID),
		zap.String(fieldEntityType, op.EntityType.String()),
		zap.String(fieldEntityID, request.resolvedID),
	}

	if sendErr == nil {
		s.completeLocked(ctx, request, created, response, now)
		tally.add(func(r *DrainReport) { r.Succeeded++ })
		return true
	}

	if ctx.Err() != nil {
		op.Status = OperationStatusPending
		s.saveQueueLocked(ctx)
		return false
	}

	op.LastError = sendErr.Error()
	switch gateway.KindOf(sendErr) {
	case gateway.KindUnauthorized:
		op.Status = OperationStatusPending
		s.saveQueueLocked(ctx)
		s.logger.Warn("backend rejected the session, queue paused",
			append(fields, zap.Error(sendErr))...)
		tally.add(func(r *DrainReport) { r.Unauthorized = true })
		return false
	case gateway.KindValidation, gateway.KindNotFound:
		op.Status = OperationStatusFailed
		s.rollbackLocked(*op)
		s.saveEntitiesLocked(ctx, op.EntityType)
		s.saveQueueLocked(ctx)
		s.logError(opSend, reasonRejected, sendErr, fields...)
		tally.add(func(r *DrainReport) { r.Failed++ })
		return false
	}

	op.RetryCount++
	if op.RetryCount >= s.maxRetries {
		op.Status = OperationStatusFailed
		s.rollbackLocked(*op)
		s.saveEntitiesLocked(ctx, op.EntityType)
		s.saveQueueLocked(ctx)
		s.logError(opSend, reasonTransport, sendErr, append(fields, zap.Int("retry_count", op.RetryCount))...)
		tally.add(func(r *DrainReport) { r.Failed++ })
		return false
	}
	op.Status = OperationStatusPending
	s.saveQueueLocked(ctx)
	s.logger.Warn("pending operation will be retried",
		append(fields, zap.Int("retry_count", op.RetryCount), zap.Error(sendErr))...)
	tally.add(func(r *DrainReport) { r.Retried++ })
	return false
}

// completeLocked folds a confirmed operation into the confirmed state and
// removes it from the queue. Without a server timestamp the confirmed entity
// is stamped with the time the change was made locally.
func (s *Service) completeLocked(ctx context.Context, request *outbound, created Entity, response json.RawMessage, now time.Time) {
	op := request.op
	document := s.documentLocked(op.EntityType)
	serverID := request.resolvedID

	switch op.Type {
	case OperationCreate:
		if !request.replayed {
			serverID = created.ID
			s.state.mappings[op.TempID] = IDMapping{
				TempID:      op.TempID,
				ServerID:    serverID,
				EntityType:  op.EntityType,
				OperationID: op.ID,
				MappedAt:    now,
			}
			s.saveMappingsLocked(ctx)
			fallback, _ := entityFromServer(request.payload, op.EntityType, Entity{}, op.EnqueuedAt)
			if index := indexOf(document.Local, op.TempID); index >= 0 {
				fallback = document.Local[index]
			}
			fallback.TempID = op.TempID
			if confirmed, ok := entityFromServer(response, op.EntityType, fallback, op.EnqueuedAt); ok {
				created = confirmed
			}
			document.Confirmed = upsert(document.Confirmed, created)
		} else if index := indexOf(document.Local, op.TempID); index >= 0 && indexOf(document.Confirmed, serverID) < 0 {
			// The mapping was persisted before the previous process stopped.
			recovered := document.Local[index].clone()
			recovered.ID = serverID
			recovered.Deleted = false
			recovered.SyncStatus = SyncStatusSynced
			document.Confirmed = upsert(document.Confirmed, recovered)
		}
		for index := range document.Local {
			if document.Local[index].ID == op.TempID {
				document.Local[index].ID = serverID
			}
		}
	case OperationUpdate:
		fallback, _ := s.visibleLocked(op.EntityType, serverID)
		confirmed, ok := entityFromServer(response, op.EntityType, fallback, op.EnqueuedAt)
		if !ok {
			confirmed, ok = entityFromServer(request.payload, op.EntityType, fallback, op.EnqueuedAt)
		}
		if ok {
			confirmed.ID = serverID
			confirmed.TempID = fallback.TempID
			document.Confirmed = upsert(document.Confirmed, confirmed)
		}
	case OperationDelete:
		document.Confirmed = remove(document.Confirmed, serverID)
	}

	s.removeOperationLocked(op.ID)
	if !s.hasOutstandingLocked(serverID) {
		document.Local = remove(document.Local, serverID)
	}
	s.saveEntitiesLocked(ctx, op.EntityType)
	s.saveQueueLocked(ctx)

	s.logger.Debug("pending operation confirmed",
		zap.String(fieldOperationID, op.ID),
		zap.String("type", string(op.Type)),
		zap.String(fieldEntityType, op.EntityType.String()),
		zap.String(fieldEntityID, serverID))
}
