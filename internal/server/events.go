package server

import (
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/brewsync/internal/connectivity"
	"github.com/gin-gonic/gin"
)

const (
	eventConnectivity        = "connectivity"
	eventHeartbeat           = "heartbeat"
	eventSource              = "brewsync"
	defaultHeartbeatInterval = 15 * time.Second
)

type streamPayload struct {
	Source    string `json:"source"`
	Online    bool   `json:"online"`
	Timestamp int64  `json:"timestamp_s"`
}

// handleEvents streams connectivity transitions as server-sent events,
// starting with the current state and sending heartbeats while idle.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	events, cleanup := h.connectivity.Subscribe(ctx)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent(eventConnectivity, streamPayload{
		Source:    eventSource,
		Online:    h.connectivity.IsOnline(),
		Timestamp: time.Now().Unix(),
	})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event := <-events:
			c.SSEvent(eventConnectivity, payloadFor(event))
			return true
		case tick := <-ticker.C:
			c.SSEvent(eventHeartbeat, streamPayload{
				Source:    eventSource,
				Online:    h.connectivity.IsOnline(),
				Timestamp: tick.Unix(),
			})
			return true
		}
	})
}

func payloadFor(event connectivity.Event) streamPayload {
	return streamPayload{Source: eventSource, Online: event.Online, Timestamp: event.At.Unix()}
}
