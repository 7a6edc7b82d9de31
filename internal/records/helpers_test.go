package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/brewsync/internal/background"
	"github.com/MarcoPoloResearchLab/brewsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/brewsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/brewsync/internal/storage"
	"github.com/stretchr/testify/require"
)

type gatewayCall struct {
	Method   string
	Resource string
	ID       string
	Key      string
	Payload  map[string]any
}

type fakeGateway struct {
	mu          sync.Mutex
	calls       []gatewayCall
	nextID      int
	listItems   []json.RawMessage
	createErr   error
	rejectNames map[string]error
	updateErr   error
	deleteErr   error
	createGate  chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{nextID: 42, rejectNames: map[string]error{}}
}

func (f *fakeGateway) record(ctx context.Context, method, resource, id string, payload json.RawMessage) map[string]any {
	body := map[string]any{}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &body)
	}
	key, _ := gateway.IdempotencyKey(ctx)
	f.mu.Lock()
	f.calls = append(f.calls, gatewayCall{Method: method, Resource: resource, ID: id, Key: key, Payload: body})
	f.mu.Unlock()
	return body
}

func (f *fakeGateway) List(ctx context.Context, entityType string) ([]json.RawMessage, error) {
	f.record(ctx, "list", entityType, "", nil)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listItems, nil
}

func (f *fakeGateway) Create(ctx context.Context, entityType string, payload json.RawMessage) (json.RawMessage, error) {
	body := f.record(ctx, "create", entityType, "", payload)

	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		observed := f.maxInFlight.Load()
		if current <= observed || f.maxInFlight.CompareAndSwap(observed, current) {
			break
		}
	}
	if f.createGate != nil {
		select {
		case <-f.createGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if name, _ := body["name"].(string); f.rejectNames[name] != nil {
		return nil, f.rejectNames[name]
	}
	body["id"] = f.nextID
	f.nextID++
	return json.Marshal(body)
}

func (f *fakeGateway) Update(ctx context.Context, entityType, id string, payload json.RawMessage) (json.RawMessage, error) {
	f.record(ctx, "update", entityType, id, payload)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return payload, nil
}

func (f *fakeGateway) Delete(ctx context.Context, entityType, id string) error {
	f.record(ctx, "delete", entityType, id, nil)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteErr
}

func (f *fakeGateway) set(update func(*fakeGateway)) {
	f.mu.Lock()
	update(f)
	f.mu.Unlock()
}

func (f *fakeGateway) snapshot() []gatewayCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make([]gatewayCall, len(f.calls))
	copy(calls, f.calls)
	return calls
}

func (f *fakeGateway) count(method string) int {
	total := 0
	for _, call := range f.snapshot() {
		if call.Method == method {
			total++
		}
	}
	return total
}

// steppingClock advances one second on every reading.
type steppingClock struct {
	base  time.Time
	ticks atomic.Int64
}

func newSteppingClock() *steppingClock {
	return &steppingClock{base: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	return c.base.Add(time.Duration(c.ticks.Add(1)) * time.Second)
}

type sequenceIDs struct {
	next atomic.Int64
}

func (s *sequenceIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.next.Add(1)), nil
}

type fixture struct {
	service    *Service
	store      storage.Store
	gateway    *fakeGateway
	network    *connectivity.Switch
	supervisor *background.Supervisor
	clock      *steppingClock
}

func newFixture(t *testing.T, online bool, configure ...func(*ServiceConfig)) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	return newFixtureWithStore(t, store, online, configure...)
}

func newFixtureWithStore(t *testing.T, store storage.Store, online bool, configure ...func(*ServiceConfig)) *fixture {
	t.Helper()
	keys, err := storage.NewKeys("test_ns")
	require.NoError(t, err)

	clock := newSteppingClock()
	supervisor := background.NewSupervisor(background.SupervisorConfig{Clock: clock.Now})
	t.Cleanup(supervisor.Close)

	fx := &fixture{
		store:      store,
		gateway:    newFakeGateway(),
		network:    connectivity.NewSwitch(online),
		supervisor: supervisor,
		clock:      clock,
	}
	cfg := ServiceConfig{
		Store:        store,
		Gateway:      fx.gateway,
		Keys:         keys,
		Connectivity: fx.network,
		Scheduler:    supervisor,
		Clock:        clock.Now,
		IDProvider:   &sequenceIDs{},
	}
	for _, apply := range configure {
		apply(&cfg)
	}
	service, err := NewService(cfg)
	require.NoError(t, err)
	fx.service = service
	return fx
}

func stringPtr(value string) *string {
	return &value
}

var errStoreUnreadable = errors.New("store unreadable")

// flakyStore fails reads while failReads is set.
type flakyStore struct {
	storage.Store
	failReads atomic.Bool
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if f.failReads.Load() {
		return "", false, errStoreUnreadable
	}
	return f.Store.Get(ctx, key)
}
