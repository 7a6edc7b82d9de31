// Package server exposes read-mostly diagnostics for a debug view: reference
// cache statistics, hydration status, the pending operation queue and
// background task reports.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/brewsync/internal/background"
	"github.com/MarcoPoloResearchLab/brewsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/brewsync/internal/hydration"
	"github.com/MarcoPoloResearchLab/brewsync/internal/records"
	"github.com/MarcoPoloResearchLab/brewsync/internal/refcache"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingReferences = errors.New("reference cache dependency required")
	errMissingHydration  = errors.New("hydration coordinator dependency required")
	errMissingQueue      = errors.New("record queue dependency required")
	errMissingTasks      = errors.New("task reporter dependency required")
)

type ReferenceStats interface {
	CacheStats(ctx context.Context) []refcache.CollectionStats
}

type HydrationStatus interface {
	Status() hydration.Status
}

type Queue interface {
	PendingOperations(ctx context.Context) []records.PendingOperation
	IDMappings(ctx context.Context) []records.IDMapping
	Discard(ctx context.Context, operationID string) (int, error)
	Retry(ctx context.Context, operationID string) error
	DrainInBackground() *background.Handle
}

type TaskReporter interface {
	Reports() []background.Report
}

// ConnectivitySource is a Monitor that also streams transitions.
type ConnectivitySource interface {
	connectivity.Monitor
	Subscribe(ctx context.Context) (<-chan connectivity.Event, func())
}

type Dependencies struct {
	References     ReferenceStats
	Hydration      HydrationStatus
	Queue          Queue
	Tasks          TaskReporter
	Connectivity   ConnectivitySource
	AllowedOrigins []string
	Heartbeat      time.Duration
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.References == nil {
		return nil, errMissingReferences
	}
	if deps.Hydration == nil {
		return nil, errMissingHydration
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Tasks == nil {
		return nil, errMissingTasks
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	monitor := deps.Connectivity
	if monitor == nil {
		monitor = connectivity.NewSwitch(true)
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		references:   deps.References,
		hydration:    deps.Hydration,
		queue:        deps.Queue,
		tasks:        deps.Tasks,
		connectivity: monitor,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	debug := router.Group("/debug")
	debug.GET("/cache", handler.handleCache)
	debug.GET("/hydration", handler.handleHydration)
	debug.GET("/queue", handler.handleQueue)
	debug.POST("/queue/drain", handler.handleDrain)
	debug.POST("/queue/:operation_id/retry", handler.handleRetry)
	debug.DELETE("/queue/:operation_id", handler.handleDiscard)
	debug.GET("/tasks", handler.handleTasks)
	debug.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Cache-Control"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	references   ReferenceStats
	hydration    HydrationStatus
	queue        Queue
	tasks        TaskReporter
	connectivity ConnectivitySource
	heartbeat    time.Duration
	logger       *zap.Logger
}

type cacheResponsePayload struct {
	Collections []collectionPayload `json:"collections"`
}

type collectionPayload struct {
	Collection   string `json:"collection"`
	Cached       bool   `json:"cached"`
	Version      string `json:"version,omitempty"`
	RecordCount  int    `json:"record_count"`
	LastUpdatedS int64  `json:"last_updated_s,omitempty"`
}

func (h *httpHandler) handleCache(c *gin.Context) {
	stats := h.references.CacheStats(c.Request.Context())
	response := cacheResponsePayload{Collections: make([]collectionPayload, 0, len(stats))}
	for _, entry := range stats {
		payload := collectionPayload{
			Collection:  entry.Collection.String(),
			Cached:      entry.Cached,
			Version:     entry.Version,
			RecordCount: entry.RecordCount,
		}
		if !entry.LastUpdated.IsZero() {
			payload.LastUpdatedS = entry.LastUpdated.Unix()
		}
		response.Collections = append(response.Collections, payload)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHydration(c *gin.Context) {
	c.JSON(http.StatusOK, h.hydration.Status())
}

type queueResponsePayload struct {
	Online     bool                       `json:"online"`
	Operations []records.PendingOperation `json:"operations"`
	IDMappings []records.IDMapping        `json:"id_mappings"`
}

func (h *httpHandler) handleQueue(c *gin.Context) {
	ctx := c.Request.Context()
	c.JSON(http.StatusOK, queueResponsePayload{
		Online:     h.connectivity.IsOnline(),
		Operations: h.queue.PendingOperations(ctx),
		IDMappings: h.queue.IDMappings(ctx),
	})
}

func (h *httpHandler) handleDrain(c *gin.Context) {
	if !h.connectivity.IsOnline() {
		c.JSON(http.StatusConflict, gin.H{"error": "offline"})
		return
	}
	handle := h.queue.DrainInBackground()
	c.JSON(http.StatusAccepted, gin.H{"task": handle.Name()})
}

func (h *httpHandler) handleRetry(c *gin.Context) {
	operationID := strings.TrimSpace(c.Param("operation_id"))
	if err := h.queue.Retry(c.Request.Context(), operationID); err != nil {
		h.writeQueueError(c, "retry", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operation_id": operationID, "status": records.OperationStatusPending})
}

func (h *httpHandler) handleDiscard(c *gin.Context) {
	operationID := strings.TrimSpace(c.Param("operation_id"))
	discarded, err := h.queue.Discard(c.Request.Context(), operationID)
	if err != nil {
		h.writeQueueError(c, "discard", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operation_id": operationID, "discarded": discarded})
}

func (h *httpHandler) writeQueueError(c *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, records.ErrOperationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "operation_not_found"})
	case errors.Is(err, records.ErrOperationNotFailed), errors.Is(err, records.ErrOperationInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "operation_state_conflict"})
	default:
		h.logger.Error("queue action failed", zap.String("action", action), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": action + "_failed"})
	}
}

type tasksResponsePayload struct {
	Tasks []background.Report `json:"tasks"`
}

func (h *httpHandler) handleTasks(c *gin.Context) {
	c.JSON(http.StatusOK, tasksResponsePayload{Tasks: h.tasks.Reports()})
}
