package hydration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/brewsync/internal/background"
	"github.com/MarcoPoloResearchLab/brewsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/brewsync/internal/records"
	"github.com/MarcoPoloResearchLab/brewsync/internal/refcache"
	"github.com/MarcoPoloResearchLab/brewsync/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecords struct {
	mu         sync.Mutex
	supervisor *background.Supervisor
	listCalls  map[records.EntityType]int
	listUsers  []string
	listErr    error
	panicOnce  bool
	drains     int
}

func (f *fakeRecords) List(_ context.Context, entityType records.EntityType, filter records.ListFilter) ([]records.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnce {
		f.panicOnce = false
		panic("corrupted index")
	}
	f.listCalls[entityType]++
	f.listUsers = append(f.listUsers, filter.UserID)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []records.Entity{{ID: "1", EntityType: entityType, UserID: filter.UserID}}, nil
}

func (f *fakeRecords) DrainInBackground() *background.Handle {
	f.mu.Lock()
	f.drains++
	f.mu.Unlock()
	return f.supervisor.Go("records.drain", func(context.Context) error { return nil })
}

func (f *fakeRecords) totalLists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, count := range f.listCalls {
		total += count
	}
	return total
}

type fakeReferences struct {
	mu                sync.Mutex
	supervisor        *background.Supervisor
	cached            map[refcache.Collection]bool
	refreshCalls      map[refcache.Collection]int
	backgroundCalls   map[refcache.Collection]int
	refreshErr        error
	refreshGate       chan struct{}
	refreshesInFlight int
}

func (f *fakeReferences) CacheStats(context.Context) []refcache.CollectionStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make([]refcache.CollectionStats, 0, len(refcache.Collections()))
	for _, collection := range refcache.Collections() {
		stats = append(stats, refcache.CollectionStats{Collection: collection, Cached: f.cached[collection]})
	}
	return stats
}

func (f *fakeReferences) Refresh(ctx context.Context, collection refcache.Collection) error {
	f.mu.Lock()
	f.refreshCalls[collection]++
	f.refreshesInFlight++
	gate := f.refreshGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshesInFlight--
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.cached[collection] = true
	return nil
}

func (f *fakeReferences) RefreshInBackground(collection refcache.Collection) *background.Handle {
	f.mu.Lock()
	f.backgroundCalls[collection]++
	f.mu.Unlock()
	return f.supervisor.Go("refcache.refresh."+collection.String(), func(context.Context) error { return nil })
}

func (f *fakeReferences) inFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshesInFlight
}

type fixture struct {
	coordinator *Coordinator
	records     *fakeRecords
	references  *fakeReferences
	network     *connectivity.Switch
	supervisor  *background.Supervisor
}

func newFixture(t *testing.T, provider session.Provider, online bool) *fixture {
	t.Helper()
	supervisor := background.NewSupervisor(background.SupervisorConfig{})
	t.Cleanup(supervisor.Close)

	fx := &fixture{
		records: &fakeRecords{supervisor: supervisor, listCalls: map[records.EntityType]int{}},
		references: &fakeReferences{
			supervisor:      supervisor,
			cached:          map[refcache.Collection]bool{},
			refreshCalls:    map[refcache.Collection]int{},
			backgroundCalls: map[refcache.Collection]int{},
		},
		network:    connectivity.NewSwitch(online),
		supervisor: supervisor,
	}
	coordinator, err := New(Config{
		Records:      fx.records,
		References:   fx.references,
		Session:      provider,
		Connectivity: fx.network,
		Clock:        func() time.Time { return time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	fx.coordinator = coordinator
	return fx
}

func usableSession() session.Provider {
	return session.Static{User: "user-1", IsUsable: true}
}

func TestConcurrentHydrationSharesOneRun(t *testing.T) {
	fx := newFixture(t, usableSession(), true)
	gate := make(chan struct{})
	fx.references.refreshGate = gate

	ctx := context.Background()
	results := make(chan error, 2)
	for range 2 {
		go func() { results <- fx.coordinator.HydrateOnStartup(ctx, "user-1", "metric") }()
	}

	require.Eventually(t, func() bool { return fx.references.inFlight() == len(refcache.Collections()) }, time.Second, 5*time.Millisecond)
	status := fx.coordinator.Status()
	assert.True(t, status.IsHydrating)
	assert.False(t, status.HasHydrated)

	close(gate)
	for range 2 {
		require.NoError(t, <-results)
	}

	assert.Equal(t, map[records.EntityType]int{records.EntityTypeRecipe: 1, records.EntityTypeBrewSession: 1}, fx.records.listCalls)
	assert.Equal(t, map[refcache.Collection]int{refcache.Ingredients: 1, refcache.BeerStyles: 1}, fx.references.refreshCalls)
	assert.Empty(t, fx.references.backgroundCalls)
	assert.Equal(t, 1, fx.records.drains)

	status = fx.coordinator.Status()
	assert.Equal(t, StateHydrated, status.State)
	assert.True(t, status.HasHydrated)
	assert.False(t, status.IsHydrating)
	assert.Equal(t, "user-1", status.UserID)
	assert.Equal(t, "metric", status.UnitSystem)
	assert.Equal(t, map[string]int{"recipe": 1, "brew_session": 1}, status.LocalRecords)
}

func TestHydrateTwiceIsIdempotent(t *testing.T) {
	fx := newFixture(t, usableSession(), true)
	ctx := context.Background()

	require.NoError(t, fx.coordinator.HydrateOnStartup(ctx, "user-1", "imperial"))
	require.NoError(t, fx.coordinator.HydrateOnStartup(ctx, "user-1", "imperial"))

	assert.Equal(t, 2, fx.records.totalLists())
	assert.Equal(t, 1, fx.references.refreshCalls[refcache.Ingredients])
	assert.Equal(t, 1, fx.references.refreshCalls[refcache.BeerStyles])
}

func TestHydrationSkippedWithoutUsableSession(t *testing.T) {
	fx := newFixture(t, session.Static{User: "user-1", IsUsable: false}, true)

	require.NoError(t, fx.coordinator.HydrateOnStartup(context.Background(), "user-1", "metric"))
	assert.Equal(t, StateIdle, fx.coordinator.Status().State)
	assert.Zero(t, fx.records.totalLists())
	assert.Empty(t, fx.references.refreshCalls)
}

func TestHydrationOfflineSkipsRemoteWork(t *testing.T) {
	fx := newFixture(t, usableSession(), false)

	require.NoError(t, fx.coordinator.HydrateOnStartup(context.Background(), "user-1", "metric"))
	assert.Equal(t, StateHydrated, fx.coordinator.Status().State)
	assert.Equal(t, 2, fx.records.totalLists())
	assert.Empty(t, fx.references.refreshCalls)
	assert.Empty(t, fx.references.backgroundCalls)
	assert.Zero(t, fx.records.drains)
}

func TestWarmCachesRefreshInBackground(t *testing.T) {
	fx := newFixture(t, usableSession(), true)
	fx.references.cached[refcache.Ingredients] = true
	fx.references.cached[refcache.BeerStyles] = true

	require.NoError(t, fx.coordinator.HydrateOnStartup(context.Background(), "user-1", "metric"))
	fx.supervisor.Wait()

	assert.Empty(t, fx.references.refreshCalls)
	assert.Equal(t, map[refcache.Collection]int{refcache.Ingredients: 1, refcache.BeerStyles: 1}, fx.references.backgroundCalls)
	assert.Len(t, fx.supervisor.Reports(), 3)
}

func TestPartialFailuresStillHydrate(t *testing.T) {
	fx := newFixture(t, usableSession(), true)
	fx.records.listErr = errors.New("store unreadable")
	fx.references.refreshErr = refcache.ErrDataUnavailable

	require.NoError(t, fx.coordinator.HydrateOnStartup(context.Background(), "user-1", "metric"))
	status := fx.coordinator.Status()
	assert.Equal(t, StateHydrated, status.State)
	assert.Empty(t, status.LastError)
	assert.Empty(t, status.LocalRecords)
}

func TestUnexpectedFailureLeavesHydratingUntilReset(t *testing.T) {
	fx := newFixture(t, usableSession(), true)
	fx.records.panicOnce = true
	ctx := context.Background()

	err := fx.coordinator.HydrateOnStartup(ctx, "user-1", "metric")
	require.ErrorIs(t, err, ErrAborted)
	status := fx.coordinator.Status()
	assert.True(t, status.IsHydrating)
	assert.Contains(t, status.LastError, "corrupted index")

	err = fx.coordinator.HydrateOnStartup(ctx, "user-1", "metric")
	require.ErrorIs(t, err, ErrAborted)
	assert.Zero(t, fx.records.totalLists())

	fx.coordinator.Reset()
	assert.Equal(t, StateIdle, fx.coordinator.Status().State)

	require.NoError(t, fx.coordinator.HydrateOnStartup(ctx, "user-1", "metric"))
	assert.Equal(t, StateHydrated, fx.coordinator.Status().State)
	assert.Equal(t, 2, fx.records.totalLists())
}

func TestResetAllowsRehydration(t *testing.T) {
	fx := newFixture(t, usableSession(), true)
	ctx := context.Background()

	require.NoError(t, fx.coordinator.HydrateOnStartup(ctx, "user-1", "metric"))
	fx.coordinator.Reset()
	assert.Equal(t, Status{State: StateIdle}, fx.coordinator.Status())

	require.NoError(t, fx.coordinator.HydrateOnStartup(ctx, "user-1", "metric"))
	assert.Equal(t, 4, fx.records.totalLists())
	assert.Equal(t, 2, fx.records.drains)
}

func TestUserIDFallsBackToSession(t *testing.T) {
	fx := newFixture(t, session.Static{User: "session-user", IsUsable: true}, false)

	require.NoError(t, fx.coordinator.HydrateOnStartup(context.Background(), "", "metric"))
	assert.Equal(t, []string{"session-user", "session-user"}, fx.records.listUsers)
	assert.Equal(t, "session-user", fx.coordinator.Status().UserID)
}

func TestCallerCancellationDoesNotStopHydration(t *testing.T) {
	fx := newFixture(t, usableSession(), true)
	gate := make(chan struct{})
	fx.references.refreshGate = gate

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- fx.coordinator.HydrateOnStartup(ctx, "user-1", "metric") }()

	require.Eventually(t, func() bool { return fx.references.inFlight() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-result, context.Canceled)

	close(gate)
	require.Eventually(t, func() bool { return fx.coordinator.Status().HasHydrated }, time.Second, 5*time.Millisecond)
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, errMissingRecords)

	_, err = New(Config{Records: &fakeRecords{}})
	require.ErrorIs(t, err, errMissingReferences)

	_, err = New(Config{Records: &fakeRecords{}, References: &fakeReferences{}})
	require.ErrorIs(t, err, errMissingSession)
}
