// Package hydration brings the caches to a usable state once per session.
package hydration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/brewsync/internal/background"
	"github.com/MarcoPoloResearchLab/brewsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/brewsync/internal/records"
	"github.com/MarcoPoloResearchLab/brewsync/internal/refcache"
	"github.com/MarcoPoloResearchLab/brewsync/internal/session"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAborted reports an unexpected failure that stopped hydration midway.
// The coordinator stays in StateHydrating until Reset.
var ErrAborted = errors.New("hydration: aborted")

var (
	errMissingRecords    = errors.New("record cache is required")
	errMissingReferences = errors.New("reference cache is required")
	errMissingSession    = errors.New("session provider is required")
)

const (
	opNew              = "hydration.new"
	opHydrate          = "hydration.hydrate"
	reasonListFailed   = "list_failed"
	reasonFetchFailed  = "fetch_failed"
	reasonAborted      = "aborted"
	fieldUserID        = "user_id"
	fieldCollection    = "collection"
	fieldEntityType    = "entity_type"
	fieldOperationName = "operation"
)

// State is the position of the coordinator in idle -> hydrating -> hydrated.
type State string

const (
	StateIdle      State = "idle"
	StateHydrating State = "hydrating"
	StateHydrated  State = "hydrated"
)

// Records is the part of the record cache used during hydration.
type Records interface {
	List(ctx context.Context, entityType records.EntityType, filter records.ListFilter) ([]records.Entity, error)
	DrainInBackground() *background.Handle
}

// References is the part of the reference cache used during hydration.
type References interface {
	CacheStats(ctx context.Context) []refcache.CollectionStats
	Refresh(ctx context.Context, collection refcache.Collection) error
	RefreshInBackground(collection refcache.Collection) *background.Handle
}

// Config describes the dependencies of a Coordinator.
type Config struct {
	Records      Records
	References   References
	Session      session.Provider
	Connectivity connectivity.Monitor
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Status is a diagnostic snapshot of the coordinator.
type Status struct {
	State        State          `json:"state"`
	IsHydrating  bool           `json:"is_hydrating"`
	HasHydrated  bool           `json:"has_hydrated"`
	UserID       string         `json:"user_id,omitempty"`
	UnitSystem   string         `json:"unit_system,omitempty"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	CompletedAt  time.Time      `json:"completed_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	LocalRecords map[string]int `json:"local_records,omitempty"`
}

type call struct {
	done chan struct{}
	err  error
}

// Coordinator runs the startup hydration sequence at most once until Reset.
type Coordinator struct {
	records      Records
	references   References
	session      session.Provider
	connectivity connectivity.Monitor
	logger       *zap.Logger
	clock        func() time.Time

	mu         sync.Mutex
	state      State
	current    *call
	generation int
	status     Status
}

// New validates the configuration and returns an idle Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Records == nil {
		return nil, fmt.Errorf("%s: %w", opNew, errMissingRecords)
	}
	if cfg.References == nil {
		return nil, fmt.Errorf("%s: %w", opNew, errMissingReferences)
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("%s: %w", opNew, errMissingSession)
	}
	monitor := cfg.Connectivity
	if monitor == nil {
		monitor = connectivity.NewSwitch(true)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		records:      cfg.Records,
		references:   cfg.References,
		session:      cfg.Session,
		connectivity: monitor,
		logger:       logger,
		clock:        clock,
		state:        StateIdle,
		status:       Status{State: StateIdle},
	}, nil
}

// HydrateOnStartup populates the caches for userID. Callers arriving while a
// hydration is in flight wait for and share its outcome; once hydrated it
// returns immediately. Without a usable session it does nothing. An empty
// userID falls back to the session user.
func (c *Coordinator) HydrateOnStartup(ctx context.Context, userID, unitSystem string) error {
	if !c.session.Usable() {
		c.logger.Debug("hydration skipped without a usable session")
		return nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = c.session.UserID()
	}

	c.mu.Lock()
	switch c.state {
	case StateHydrated:
		c.mu.Unlock()
		return nil
	case StateHydrating:
		inFlight := c.current
		c.mu.Unlock()
		return wait(ctx, inFlight)
	}

	inFlight := &call{done: make(chan struct{})}
	c.current = inFlight
	c.state = StateHydrating
	c.generation++
	generation := c.generation
	c.status = Status{
		State:      StateHydrating,
		UserID:     userID,
		UnitSystem: unitSystem,
		StartedAt:  c.clock().UTC(),
	}
	c.mu.Unlock()

	go c.run(context.WithoutCancel(ctx), inFlight, generation, userID)
	return wait(ctx, inFlight)
}

// Reset returns the coordinator to idle, e.g. on logout. A hydration still in
// flight finishes but no longer updates the state.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.current = nil
	c.generation++
	c.status = Status{State: StateIdle}
}

// Status returns a snapshot for diagnostics.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.status
	snapshot.State = c.state
	snapshot.IsHydrating = c.state == StateHydrating
	snapshot.HasHydrated = c.state == StateHydrated
	if c.status.LocalRecords != nil {
		snapshot.LocalRecords = make(map[string]int, len(c.status.LocalRecords))
		for key, value := range c.status.LocalRecords {
			snapshot.LocalRecords[key] = value
		}
	}
	return snapshot
}

func wait(ctx context.Context, inFlight *call) error {
	select {
	case <-inFlight.done:
		return inFlight.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, inFlight *call, generation int, userID string) {
	counts, err := c.hydrateSafely(ctx, userID)

	c.mu.Lock()
	if c.generation == generation {
		c.status.LocalRecords = counts
		if err != nil {
			c.status.LastError = err.Error()
		} else {
			c.state = StateHydrated
			c.status.CompletedAt = c.clock().UTC()
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("hydration aborted",
			zap.String(fieldOperationName, opHydrate),
			zap.String("reason", reasonAborted),
			zap.String(fieldUserID, userID),
			zap.Error(err))
	} else {
		c.logger.Info("hydration completed", zap.String(fieldUserID, userID))
	}
	inFlight.err = err
	close(inFlight.done)
}

func (c *Coordinator) hydrateSafely(ctx context.Context, userID string) (counts map[string]int, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrAborted, recovered)
		}
	}()
	return c.hydrate(ctx, userID), nil
}

func (c *Coordinator) hydrate(ctx context.Context, userID string) map[string]int {
	counts := make(map[string]int, len(records.EntityTypes()))
	for _, entityType := range records.EntityTypes() {
		listed, err := c.records.List(ctx, entityType, records.ListFilter{UserID: userID})
		if err != nil {
			c.logStepError(reasonListFailed, err, zap.String(fieldEntityType, entityType.String()))
			continue
		}
		counts[entityType.String()] = len(listed)
	}

	online := c.connectivity.IsOnline()
	var fetches errgroup.Group
	for _, stats := range c.references.CacheStats(ctx) {
		collection := stats.Collection
		switch {
		case !online:
			if !stats.Cached {
				c.logger.Info("reference collection left uncached while offline", zap.String(fieldCollection, collection.String()))
			}
		case !stats.Cached:
			fetches.Go(func() error {
				if err := c.references.Refresh(ctx, collection); err != nil {
					c.logStepError(reasonFetchFailed, err, zap.String(fieldCollection, collection.String()))
				}
				return nil
			})
		default:
			c.references.RefreshInBackground(collection)
		}
	}
	_ = fetches.Wait()

	if online {
		c.records.DrainInBackground()
	}
	return counts
}

func (c *Coordinator) logStepError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String(fieldOperationName, opHydrate),
		zap.String("reason", reason),
		zap.Error(err),
	}
	c.logger.Warn("hydration step failed", append(attrs, fields...)...)
}
