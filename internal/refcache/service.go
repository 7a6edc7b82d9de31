// Package refcache is the permanent, version-stamped cache of reference
// catalogs. Reads are served from the cache; a missing catalog is fetched in
// the foreground, while a warm read only schedules a throttled background
// version check.
package refcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/brewsync/internal/background"
	"github.com/MarcoPoloResearchLab/brewsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/brewsync/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultCheckCooldown throttles background version checks per collection.
const DefaultCheckCooldown = time.Minute

const (
	documentSchemaVersion = 1

	opServiceNew       = "refcache.service.new"
	opGet              = "refcache.get"
	opRefresh          = "refcache.refresh"
	opCheckForUpdates  = "refcache.check_for_updates"
	opClear            = "refcache.clear"
	opBackgroundCheck  = "refcache.background_check"
	opLoad             = "refcache.load"
	taskPrefixCheck    = "refcache.check."
	taskPrefixRefresh  = "refcache.refresh."
	fieldCollection    = "collection"
	fieldVersion       = "version"
	reasonUnknown      = "unknown_collection"
	reasonUnavailable  = "data_unavailable"
	reasonVersionFetch = "version_fetch_failed"
	reasonItemsFetch   = "items_fetch_failed"
	reasonItemInvalid  = "item_invalid"
	reasonPersist      = "persist_failed"
	reasonReadFailed   = "read_failed"
	reasonRemoveFailed = "remove_failed"
)

// Gateway is the remote surface used by the cache.
type Gateway interface {
	Version(ctx context.Context, collection string) (gateway.VersionInfo, error)
	All(ctx context.Context, collection string) ([]json.RawMessage, error)
}

// Scheduler runs detached maintenance work.
type Scheduler interface {
	Go(name string, fn background.TaskFunc) *background.Handle
}

// ServiceConfig describes the dependencies of the reference cache.
type ServiceConfig struct {
	Store         storage.Store
	Gateway       Gateway
	Keys          storage.Keys
	Scheduler     Scheduler
	Clock         func() time.Time
	Logger        *zap.Logger
	CheckCooldown time.Duration
}

// Service is the Static Reference Cache.
type Service struct {
	store     storage.Store
	gateway   Gateway
	keys      storage.Keys
	scheduler Scheduler
	clock     func() time.Time
	logger    *zap.Logger
	cooldown  time.Duration

	refreshes singleflight.Group

	// writes orders catalog persistence against Clear.
	writes sync.Mutex

	mu         sync.Mutex
	generation uint64
	lastCheck  map[Collection]time.Time
	memory     map[Collection]CachedCollection
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
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = background.NewSupervisor(background.SupervisorConfig{Logger: logger, Clock: clock})
	}
	cooldown := cfg.CheckCooldown
	if cooldown <= 0 {
		cooldown = DefaultCheckCooldown
	}
	return &Service{
		store:     cfg.Store,
		gateway:   cfg.Gateway,
		keys:      keys,
		scheduler: scheduler,
		clock:     clock,
		logger:    logger,
		cooldown:  cooldown,
		lastCheck: make(map[Collection]time.Time),
		memory:    make(map[Collection]CachedCollection),
	}, nil
}

// Get returns the cached catalog narrowed by filter. A cold catalog is fetched
// before returning; a warm one is returned as is while a throttled version
// check runs in the background.
func (s *Service) Get(ctx context.Context, collection Collection, filter Filter) ([]Item, error) {
	if !collection.Valid() {
		return nil, newServiceError(opGet, reasonUnknown, fmt.Errorf("%w: %q", ErrUnknownCollection, collection))
	}

	cached, ok := s.load(ctx, collection)
	if ok {
		s.scheduleCheck(collection)
		return filter.Apply(cached.Items), nil
	}

	fetched, err := s.refresh(ctx, collection)
	if err != nil {
		s.logError(opGet, reasonUnavailable, err, zap.String(fieldCollection, collection.String()))
		return nil, newServiceError(opGet, reasonUnavailable, fmt.Errorf("%w: %w", ErrDataUnavailable, err))
	}
	return filter.Apply(fetched.Items), nil
}

// Ingredients is Get for the ingredient catalog.
func (s *Service) Ingredients(ctx context.Context, filter Filter) ([]Item, error) {
	return s.Get(ctx, Ingredients, filter)
}

// BeerStyles is Get for the beer style catalog.
func (s *Service) BeerStyles(ctx context.Context, filter Filter) ([]Item, error) {
	return s.Get(ctx, BeerStyles, filter)
}

// CheckForUpdates compares every remote version with the stored one. It never
// modifies the cache; a failed lookup reports false for that collection.
func (s *Service) CheckForUpdates(ctx context.Context) map[Collection]bool {
	updates := make(map[Collection]bool, len(Collections()))
	for _, collection := range Collections() {
		changed, err := s.versionChanged(ctx, collection)
		if err != nil {
			s.logError(opCheckForUpdates, reasonVersionFetch, err, zap.String(fieldCollection, collection.String()))
		}
		updates[collection] = changed
	}
	return updates
}

// Refresh fetches the remote version and full item set and replaces the cached
// catalog. Concurrent calls for one collection share a single network attempt.
func (s *Service) Refresh(ctx context.Context, collection Collection) error {
	if !collection.Valid() {
		return newServiceError(opRefresh, reasonUnknown, fmt.Errorf("%w: %q", ErrUnknownCollection, collection))
	}
	_, err := s.refresh(ctx, collection)
	return err
}

// RefreshInBackground checks the remote version without waiting and refreshes
// the catalog when it changed, regardless of the cooldown.
func (s *Service) RefreshInBackground(collection Collection) *background.Handle {
	s.markChecked(collection)
	return s.scheduler.Go(taskPrefixRefresh+collection.String(), func(ctx context.Context) error {
		return s.checkAndRefresh(ctx, collection)
	})
}

// Clear removes every cached catalog and version stamp.
// A refresh that started before Clear does not write its result back.
func (s *Service) Clear(ctx context.Context) error {
	s.writes.Lock()
	defer s.writes.Unlock()

	s.mu.Lock()
	s.generation++
	s.memory = make(map[Collection]CachedCollection)
	s.lastCheck = make(map[Collection]time.Time)
	s.mu.Unlock()

	keys := make([]string, 0, 2*len(Collections()))
	for _, collection := range Collections() {
		keys = append(keys, s.keys.ReferenceData(collection.String()), s.keys.ReferenceVersion(collection.String()))
	}
	if err := s.store.Remove(ctx, keys...); err != nil {
		s.logError(opClear, reasonRemoveFailed, err)
		return newServiceError(opClear, reasonRemoveFailed, err)
	}
	return nil
}

// CacheStats reports the state of every catalog. Unreadable catalogs are
// reported as not cached.
func (s *Service) CacheStats(ctx context.Context) []CollectionStats {
	stats := make([]CollectionStats, 0, len(Collections()))
	for _, collection := range Collections() {
		entry := CollectionStats{Collection: collection}
		if cached, ok := s.load(ctx, collection); ok {
			entry.Cached = true
			entry.Version = s.storedVersion(ctx, collection, cached)
			entry.RecordCount = len(cached.Items)
			entry.LastUpdated = cached.CachedAt
		}
		stats = append(stats, entry)
	}
	return stats
}

func (s *Service) refresh(ctx context.Context, collection Collection) (CachedCollection, error) {
	results := s.refreshes.DoChan(collection.String(), func() (any, error) {
		return s.fetchAndStore(context.WithoutCancel(ctx), collection)
	})
	select {
	case <-ctx.Done():
		return CachedCollection{}, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return CachedCollection{}, result.Err
		}
		return result.Val.(CachedCollection), nil
	}
}

func (s *Service) fetchAndStore(ctx context.Context, collection Collection) (CachedCollection, error) {
	name := collection.String()
	s.mu.Lock()
	generation := s.generation
	s.mu.Unlock()

	info, err := s.gateway.Version(ctx, name)
	if err != nil {
		return CachedCollection{}, newServiceError(opRefresh, reasonVersionFetch, err)
	}
	rawItems, err := s.gateway.All(ctx, name)
	if err != nil {
		return CachedCollection{}, newServiceError(opRefresh, reasonItemsFetch, err)
	}

	items := make([]Item, 0, len(rawItems))
	for index, raw := range rawItems {
		item, err := decodeItem(raw)
		if err != nil {
			s.logError(opRefresh, reasonItemInvalid, err, zap.String(fieldCollection, name), zap.Int("index", index))
			continue
		}
		items = append(items, item)
	}

	now := s.clock().UTC()
	cached := CachedCollection{
		Items:        items,
		Version:      info.Version,
		CachedAt:     now,
		NeverExpires: true,
	}

	s.writes.Lock()
	defer s.writes.Unlock()

	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		s.logger.Info("reference refresh discarded after clear", zap.String(fieldCollection, name))
		return cached, nil
	}
	s.memory[collection] = cached
	s.lastCheck[collection] = now
	s.mu.Unlock()

	if err := storage.SaveDocument(ctx, s.store, s.keys.ReferenceData(name), documentSchemaVersion, now, cached); err != nil {
		s.logError(opRefresh, reasonPersist, err, zap.String(fieldCollection, name))
		return cached, nil
	}
	if err := s.store.Set(ctx, s.keys.ReferenceVersion(name), info.Version); err != nil {
		s.logError(opRefresh, reasonPersist, err, zap.String(fieldCollection, name))
	}

	s.logger.Info("reference collection refreshed",
		zap.String(fieldCollection, name),
		zap.String(fieldVersion, info.Version),
		zap.Int("record_count", len(items)))
	return cached, nil
}

func (s *Service) scheduleCheck(collection Collection) {
	now := s.clock()
	s.mu.Lock()
	last, seen := s.lastCheck[collection]
	if seen && now.Sub(last) < s.cooldown {
		s.mu.Unlock()
		return
	}
	s.lastCheck[collection] = now
	s.mu.Unlock()

	s.scheduler.Go(taskPrefixCheck+collection.String(), func(ctx context.Context) error {
		return s.checkAndRefresh(ctx, collection)
	})
}

func (s *Service) markChecked(collection Collection) {
	s.mu.Lock()
	s.lastCheck[collection] = s.clock()
	s.mu.Unlock()
}

func (s *Service) checkAndRefresh(ctx context.Context, collection Collection) error {
	changed, err := s.versionChanged(ctx, collection)
	if err != nil {
		s.logger.Debug("background version check failed",
			zap.String("operation", opBackgroundCheck),
			zap.String(fieldCollection, collection.String()),
			zap.Error(err))
		return err
	}
	if !changed {
		return nil
	}
	_, err = s.refresh(ctx, collection)
	return err
}

func (s *Service) versionChanged(ctx context.Context, collection Collection) (bool, error) {
	remote, err := s.gateway.Version(ctx, collection.String())
	if err != nil {
		return false, err
	}
	cached, _ := s.load(ctx, collection)
	local := s.storedVersion(ctx, collection, cached)
	return local == "" || remote.Version != local, nil
}

// storedVersion prefers the bare version key and falls back to the stamp inside the document.
func (s *Service) storedVersion(ctx context.Context, collection Collection, cached CachedCollection) string {
	version, ok, err := s.store.Get(ctx, s.keys.ReferenceVersion(collection.String()))
	if err != nil {
		s.logError(opLoad, reasonReadFailed, err, zap.String(fieldCollection, collection.String()))
	}
	if ok && version != "" {
		return version
	}
	return cached.Version
}

func (s *Service) load(ctx context.Context, collection Collection) (CachedCollection, bool) {
	s.mu.Lock()
	cached, ok := s.memory[collection]
	s.mu.Unlock()
	if ok {
		return cached, true
	}

	cached, ok, err := storage.LoadDocument[CachedCollection](ctx, s.store, s.keys.ReferenceData(collection.String()), documentSchemaVersion)
	if err != nil {
		reason := reasonReadFailed
		if errors.Is(err, storage.ErrSchemaMismatch) {
			reason = "schema_mismatch"
		}
		s.logError(opLoad, reason, err, zap.String(fieldCollection, collection.String()))
		return CachedCollection{}, false
	}
	if !ok {
		return CachedCollection{}, false
	}

	s.mu.Lock()
	s.memory[collection] = cached
	s.mu.Unlock()
	return cached, true
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
	s.logger.Error("reference cache error", attrs...)
}
