// -----------------------------------------------------------------------
// WebSocket Handler - Live job events for connected views
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/openwings/ausculto/internal/common"
	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/models"
	"github.com/openwings/ausculto/internal/tracker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope for all WebSocket messages
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// LogEntry is a single log line broadcast to the live log panel
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// WebSocketHandler pushes tracker events to connected clients so views
// update without polling the REST API. Progress events are throttled;
// status transitions, pending resolutions and invalidations always go out.
type WebSocketHandler struct {
	logger            arbor.ILogger
	clients           map[*websocket.Conn]bool
	clientMutex       map[*websocket.Conn]*sync.Mutex
	mu                sync.RWMutex
	eventService      interfaces.EventService
	progressThrottler *rate.Limiter
	serverInstanceID  string // Unique ID generated on startup - clients use to detect server restart
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		eventService:     eventService,
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	// Throttle progress events so a fast-moving job cannot flood clients.
	// Terminal transitions are never throttled.
	if config != nil && config.ProgressInterval != "" {
		if duration, err := time.ParseDuration(config.ProgressInterval); err == nil {
			h.progressThrottler = rate.NewLimiter(rate.Every(duration), 1)
			logger.Debug().
				Str("interval", config.ProgressInterval).
				Msg("Throttler initialized for job_progress events")
		} else {
			logger.Warn().
				Err(err).
				Str("interval", config.ProgressInterval).
				Msg("Failed to parse progress throttle interval - throttler disabled")
		}
	}

	if eventService != nil {
		h.SubscribeToTrackerEvents()
	}

	return h
}

// HandleWebSocket handles WebSocket upgrade requests
// GET /ws
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", len(h.clients))

	h.sendHello(conn)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		clientCount := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", clientCount)
	}()

	// Read messages from client (keep connection alive)
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// sendHello sends the server instance ID to a newly connected client.
// Clients compare it against their stored value and clear local state when
// the server has restarted, since pending overrides do not survive a
// restart.
func (h *WebSocketHandler) sendHello(conn *websocket.Conn) {
	msg := WSMessage{
		Type: "hello",
		Payload: map[string]string{
			"server_instance_id": h.serverInstanceID,
			"version":            common.GetVersion(),
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal hello message")
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()
	if mutex == nil {
		return
	}

	mutex.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	mutex.Unlock()

	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send hello to client")
	}
}

// broadcast sends a message to all connected clients
func (h *WebSocketHandler) broadcast(msgType string, payload interface{}) {
	msg := WSMessage{
		Type:    msgType,
		Payload: payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msgType).Msg("Failed to send message to client")
		}
	}
}

// BroadcastLog sends a log entry to all connected clients
func (h *WebSocketHandler) BroadcastLog(entry LogEntry) {
	h.broadcast("log", entry)
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscribeToTrackerEvents wires the tracker's event bus to the WebSocket
// broadcast. Each subscription converts the typed payload published by the
// tracker into a wire message.
func (h *WebSocketHandler) SubscribeToTrackerEvents() {
	if h.eventService == nil {
		return
	}

	h.eventService.Subscribe(interfaces.EventJobStatusChanged, func(ctx context.Context, event interfaces.Event) error {
		change, ok := event.Payload.(*tracker.StatusChange)
		if !ok || change.Job == nil {
			h.logger.Warn().Msg("Invalid job status changed event payload type")
			return nil
		}

		h.broadcast("job_status_changed", map[string]interface{}{
			"job":       change.Job,
			"previous":  change.Previous,
			"terminal":  change.Job.IsTerminal(),
			"timestamp": time.Now().Format(time.RFC3339),
		})
		return nil
	})

	h.eventService.Subscribe(interfaces.EventJobProgress, func(ctx context.Context, event interfaces.Event) error {
		update, ok := event.Payload.(*tracker.ProgressUpdate)
		if !ok {
			h.logger.Warn().Msg("Invalid job progress event payload type")
			return nil
		}

		if h.progressThrottler != nil && !h.progressThrottler.Allow() {
			return nil
		}

		h.broadcast("job_progress", update)
		return nil
	})

	h.eventService.Subscribe(interfaces.EventJobPendingResolved, func(ctx context.Context, event interfaces.Event) error {
		job, ok := event.Payload.(*models.Job)
		if !ok {
			h.logger.Warn().Msg("Invalid pending resolved event payload type")
			return nil
		}

		h.broadcast("job_pending_resolved", map[string]interface{}{
			"job":   job,
			"scope": job.Scope.Key(),
			"kind":  job.Kind,
		})
		return nil
	})

	h.eventService.Subscribe(interfaces.EventJobCancelled, func(ctx context.Context, event interfaces.Event) error {
		job, ok := event.Payload.(*models.Job)
		if !ok {
			h.logger.Warn().Msg("Invalid job cancelled event payload type")
			return nil
		}

		h.broadcast("job_cancelled", map[string]interface{}{
			"job":       job,
			"cancelled": job.Status == models.JobStatusCancelled,
		})
		return nil
	})

	h.eventService.Subscribe(interfaces.EventJobDeleted, func(ctx context.Context, event interfaces.Event) error {
		job, ok := event.Payload.(*models.Job)
		if !ok {
			h.logger.Warn().Msg("Invalid job deleted event payload type")
			return nil
		}

		h.broadcast("job_deleted", map[string]interface{}{
			"job_id": job.ID,
			"scope":  job.Scope.Key(),
			"kind":   job.Kind,
		})
		return nil
	})

	h.eventService.Subscribe(interfaces.EventCacheInvalidated, func(ctx context.Context, event interfaces.Event) error {
		keys, ok := event.Payload.([]string)
		if !ok {
			h.logger.Warn().Msg("Invalid cache invalidated event payload type")
			return nil
		}

		h.broadcast("cache_invalidated", map[string]interface{}{
			"keys": keys,
		})
		return nil
	})

	h.logger.Debug().Msg("WebSocket handler subscribed to tracker events")
}
