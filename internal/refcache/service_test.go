package refcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/brewsync/internal/background"
	"github.com/MarcoPoloResearchLab/brewsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/brewsync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu           sync.Mutex
	versions     map[string]string
	items        map[string][]json.RawMessage
	versionErr   error
	allErr       error
	versionCalls map[string]int
	allCalls     map[string]int
	allGate      chan struct{}
	allInFlight  atomic.Int32
	maxInFlight  atomic.Int32
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		versions: map[string]string{
			Ingredients.String(): "v1.0.0",
			BeerStyles.String():  "2021.1",
		},
		items: map[string][]json.RawMessage{
			Ingredients.String(): {
				json.RawMessage(`{"ingredient_id":1,"name":"Cascade","type":"hop"}`),
				json.RawMessage(`{"ingredient_id":2,"name":"Maris Otter","type":"grain","category":"base malt"}`),
				json.RawMessage(`{"ingredient_id":3,"name":"Crystal 60","type":"grain","category":"caramel"}`),
			},
			BeerStyles.String(): {
				json.RawMessage(`{"style_id":"21A","name":"American IPA","category":"IPA"}`),
			},
		},
		versionCalls: make(map[string]int),
		allCalls:     make(map[string]int),
	}
}

func (f *fakeGateway) Version(_ context.Context, collection string) (gateway.VersionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versionCalls[collection]++
	if f.versionErr != nil {
		return gateway.VersionInfo{}, f.versionErr
	}
	return gateway.VersionInfo{Version: f.versions[collection], TotalRecords: len(f.items[collection])}, nil
}

func (f *fakeGateway) All(_ context.Context, collection string) ([]json.RawMessage, error) {
	current := f.allInFlight.Add(1)
	defer f.allInFlight.Add(-1)
	for {
		observed := f.maxInFlight.Load()
		if current <= observed || f.maxInFlight.CompareAndSwap(observed, current) {
			break
		}
	}
	f.mu.Lock()
	gate := f.allGate
	f.allCalls[collection]++
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allErr != nil {
		return nil, f.allErr
	}
	return f.items[collection], nil
}

func (f *fakeGateway) setVersion(collection Collection, version string) {
	f.mu.Lock()
	f.versions[collection.String()] = version
	f.mu.Unlock()
}

func (f *fakeGateway) calls(collection Collection) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versionCalls[collection.String()], f.allCalls[collection.String()]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingStore struct {
	storage.Store
	failReads  bool
	failWrites bool
}

func (f failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	if f.failReads {
		return "", false, errors.New("disk unreadable")
	}
	return f.Store.Get(ctx, key)
}

func (f failingStore) Set(ctx context.Context, key, value string) error {
	if f.failWrites {
		return errors.New("disk full")
	}
	return f.Store.Set(ctx, key, value)
}

type fixture struct {
	service    *Service
	gateway    *fakeGateway
	store      *storage.MemoryStore
	supervisor *background.Supervisor
	clock      *testClock
	keys       storage.Keys
}

func newFixture(t *testing.T, wrap func(storage.Store) storage.Store) *fixture {
	t.Helper()
	keys, err := storage.NewKeys("test")
	require.NoError(t, err)
	memory := storage.NewMemoryStore()
	var store storage.Store = memory
	if wrap != nil {
		store = wrap(memory)
	}
	clock := &testClock{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
	supervisor := background.NewSupervisor(background.SupervisorConfig{Clock: clock.Now})
	t.Cleanup(supervisor.Close)
	fake := newFakeGateway()
	service, err := NewService(ServiceConfig{
		Store:         store,
		Gateway:       fake,
		Keys:          keys,
		Scheduler:     supervisor,
		Clock:         clock.Now,
		CheckCooldown: time.Minute,
	})
	require.NoError(t, err)
	return &fixture{service: service, gateway: fake, store: memory, supervisor: supervisor, clock: clock, keys: keys}
}

func seedCollection(t *testing.T, fx *fixture, collection Collection, version string, items ...Item) {
	t.Helper()
	ctx := context.Background()
	cached := CachedCollection{Items: items, Version: version, CachedAt: fx.clock.Now(), NeverExpires: true}
	require.NoError(t, storage.SaveDocument(ctx, fx.store, fx.keys.ReferenceData(collection.String()), documentSchemaVersion, fx.clock.Now(), cached))
	require.NoError(t, fx.store.Set(ctx, fx.keys.ReferenceVersion(collection.String()), version))
}

func TestGetPopulatesColdCache(t *testing.T) {
	fx := newFixture(t, nil)

	items, err := fx.service.Ingredients(context.Background(), Filter{})
	require.NoError(t, err)

	versionCalls, allCalls := fx.gateway.calls(Ingredients)
	assert.Equal(t, 1, versionCalls)
	assert.Equal(t, 1, allCalls)
	require.Len(t, items, 3)
	assert.Equal(t, "1", items[0].ID)
	assert.Equal(t, "Cascade", items[0].Name)

	snapshot := fx.store.Snapshot()
	assert.Equal(t, "v1.0.0", snapshot["test_ingredients_version"])
	assert.Contains(t, snapshot, "test_ingredients_data")

	fx.supervisor.Wait()
	assert.Empty(t, fx.supervisor.Reports(), "a foreground fetch must not also schedule a check")
}

func TestGetAppliesFilter(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	grains, err := fx.service.Ingredients(ctx, Filter{Type: "GRAIN"})
	require.NoError(t, err)
	assert.Len(t, grains, 2)

	caramel, err := fx.service.Ingredients(ctx, Filter{Type: "grain", Category: "caramel"})
	require.NoError(t, err)
	require.Len(t, caramel, 1)
	assert.Equal(t, "Crystal 60", caramel[0].Name)

	byName, err := fx.service.Ingredients(ctx, Filter{Name: "otter"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "2", byName[0].ID)

	styles, err := fx.service.BeerStyles(ctx, Filter{Category: "ipa"})
	require.NoError(t, err)
	require.Len(t, styles, 1)
	assert.Equal(t, "21A", styles[0].ID)
}

func TestGetColdCacheUnavailable(t *testing.T) {
	fx := newFixture(t, nil)
	fx.gateway.allErr = gateway.NewTransportError("gateway.all", errors.New("offline"))

	_, err := fx.service.Get(context.Background(), Ingredients, Filter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataUnavailable)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "refcache.get.data_unavailable", serviceErr.Code())
	assert.NotContains(t, fx.store.Snapshot(), "test_ingredients_data")
}

func TestGetRejectsUnknownCollection(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.service.Get(context.Background(), Collection("hops"), Filter{})
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestCheckForUpdatesDoesNotMutateCache(t *testing.T) {
	fx := newFixture(t, nil)
	seedCollection(t, fx, Ingredients, "v1.0.0", Item{ID: "1", Name: "Cascade"})
	seedCollection(t, fx, BeerStyles, "2021.1", Item{ID: "21A", Name: "American IPA"})
	fx.gateway.setVersion(Ingredients, "v2.0.0")
	before := fx.store.Snapshot()

	updates := fx.service.CheckForUpdates(context.Background())

	assert.Equal(t, map[Collection]bool{Ingredients: true, BeerStyles: false}, updates)
	assert.Equal(t, before, fx.store.Snapshot())
	_, allCalls := fx.gateway.calls(Ingredients)
	assert.Zero(t, allCalls)
}

func TestCheckForUpdatesReportsFalseOnFailure(t *testing.T) {
	fx := newFixture(t, nil)
	seedCollection(t, fx, Ingredients, "v1.0.0")
	fx.gateway.versionErr = errors.New("timeout")
	before := fx.store.Snapshot()

	updates := fx.service.CheckForUpdates(context.Background())

	assert.False(t, updates[Ingredients])
	assert.False(t, updates[BeerStyles])
	assert.Equal(t, before, fx.store.Snapshot())
}

func TestConcurrentRefreshSharesOneFetch(t *testing.T) {
	fx := newFixture(t, nil)
	fx.gateway.allGate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- fx.service.Refresh(context.Background(), Ingredients)
		}()
	}

	require.Eventually(t, func() bool {
		_, allCalls := fx.gateway.calls(Ingredients)
		return allCalls == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fx.gateway.allGate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	versionCalls, allCalls := fx.gateway.calls(Ingredients)
	assert.Equal(t, 1, versionCalls)
	assert.Equal(t, 1, allCalls)
	assert.Equal(t, int32(1), fx.gateway.maxInFlight.Load())
}

func TestClearThenGetBehavesLikeFirstRun(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	first, err := fx.service.Ingredients(ctx, Filter{})
	require.NoError(t, err)
	firstSnapshot := fx.store.Snapshot()

	require.NoError(t, fx.service.Clear(ctx))
	assert.Empty(t, fx.store.Snapshot())
	for _, stat := range fx.service.CacheStats(ctx) {
		assert.False(t, stat.Cached)
	}

	second, err := fx.service.Ingredients(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, firstSnapshot, fx.store.Snapshot())
	versionCalls, allCalls := fx.gateway.calls(Ingredients)
	assert.Equal(t, 2, versionCalls)
	assert.Equal(t, 2, allCalls)
}

func TestClearDuringRefreshKeepsCacheEmpty(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.gateway.allGate = make(chan struct{})

	refreshed := make(chan error, 1)
	go func() {
		refreshed <- fx.service.Refresh(ctx, Ingredients)
	}()
	require.Eventually(t, func() bool {
		_, allCalls := fx.gateway.calls(Ingredients)
		return allCalls == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, fx.service.Clear(ctx))
	close(fx.gateway.allGate)
	require.NoError(t, <-refreshed)

	assert.Empty(t, fx.store.Snapshot())
	for _, stat := range fx.service.CacheStats(ctx) {
		assert.False(t, stat.Cached, stat.Collection)
	}

	items, err := fx.service.Ingredients(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Contains(t, fx.store.Snapshot(), fx.keys.ReferenceData(Ingredients.String()))
}

func TestWarmReadSchedulesThrottledBackgroundRefresh(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	seedCollection(t, fx, Ingredients, "v1.0.0", Item{ID: "old", Name: "Old Hop"})
	fx.gateway.setVersion(Ingredients, "v2.0.0")

	items, err := fx.service.Ingredients(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1, "a warm read returns the cached data")
	assert.Equal(t, "old", items[0].ID)

	fx.supervisor.Wait()
	_, allCalls := fx.gateway.calls(Ingredients)
	assert.Equal(t, 1, allCalls)

	refreshed, err := fx.service.Ingredients(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, refreshed, 3)
	assert.Equal(t, "v2.0.0", fx.store.Snapshot()["test_ingredients_version"])

	fx.supervisor.Wait()
	versionCalls, _ := fx.gateway.calls(Ingredients)
	assert.Equal(t, 2, versionCalls, "reads inside the cooldown window must not check again")

	fx.clock.Advance(2 * time.Minute)
	_, err = fx.service.Ingredients(ctx, Filter{})
	require.NoError(t, err)
	fx.supervisor.Wait()
	versionCalls, allCalls = fx.gateway.calls(Ingredients)
	assert.Equal(t, 3, versionCalls)
	assert.Equal(t, 1, allCalls, "an unchanged version must not trigger a refresh")
}

func TestBackgroundFailureIsSwallowed(t *testing.T) {
	fx := newFixture(t, nil)
	seedCollection(t, fx, Ingredients, "v1.0.0", Item{ID: "1", Name: "Cascade"})
	fx.gateway.versionErr = errors.New("server down")
	before := fx.store.Snapshot()

	items, err := fx.service.Ingredients(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	fx.supervisor.Wait()
	assert.Equal(t, before, fx.store.Snapshot())
	reports := fx.supervisor.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "refcache.check.ingredients", reports[0].Name)
	assert.Equal(t, 1, reports[0].Failures)
	assert.Contains(t, reports[0].LastError, "server down")
}

func TestRefreshInBackgroundRefreshesChangedCollection(t *testing.T) {
	fx := newFixture(t, nil)
	seedCollection(t, fx, BeerStyles, "2015", Item{ID: "old"})

	require.NoError(t, fx.service.RefreshInBackground(BeerStyles).Wait(context.Background()))

	items, err := fx.service.BeerStyles(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "21A", items[0].ID)
}

func TestCacheStatsNeverFails(t *testing.T) {
	fx := newFixture(t, func(store storage.Store) storage.Store {
		return failingStore{Store: store, failReads: true}
	})

	stats := fx.service.CacheStats(context.Background())
	require.Len(t, stats, 2)
	for _, stat := range stats {
		assert.False(t, stat.Cached)
		assert.Zero(t, stat.RecordCount)
	}
}

func TestCacheStatsReportsCachedCollections(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.service.Ingredients(context.Background(), Filter{})
	require.NoError(t, err)

	stats := fx.service.CacheStats(context.Background())
	require.Len(t, stats, 2)
	assert.Equal(t, CollectionStats{
		Collection:  Ingredients,
		Cached:      true,
		Version:     "v1.0.0",
		RecordCount: 3,
		LastUpdated: fx.clock.Now(),
	}, stats[0])
	assert.False(t, stats[1].Cached)
}

func TestWriteFailureKeepsInMemoryCopy(t *testing.T) {
	fx := newFixture(t, func(store storage.Store) storage.Store {
		return failingStore{Store: store, failWrites: true}
	})

	items, err := fx.service.Ingredients(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, items, 3)

	again, err := fx.service.Ingredients(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, again, 3)
	_, allCalls := fx.gateway.calls(Ingredients)
	assert.Equal(t, 1, allCalls)
}

func TestSchemaMismatchIsTreatedAsUncached(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, storage.SaveDocument(ctx, fx.store, fx.keys.ReferenceData(Ingredients.String()), documentSchemaVersion+1, fx.clock.Now(), map[string]any{"legacy": true}))

	items, err := fx.service.Ingredients(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, items, 3)
	_, allCalls := fx.gateway.calls(Ingredients)
	assert.Equal(t, 1, allCalls)
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{Gateway: newFakeGateway()})
	assert.ErrorIs(t, err, errMissingStore)
	_, err = NewService(ServiceConfig{Store: storage.NewMemoryStore()})
	assert.ErrorIs(t, err, errMissingGateway)
}
