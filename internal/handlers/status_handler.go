// -----------------------------------------------------------------------
// Status Handler - Runtime view of the tracking session
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/tracker"
)

// StatusHandler reports the runtime state of the tracking session: how many
// jobs are cached, which are actively polled, and which cache keys are
// stale awaiting refresh.
type StatusHandler struct {
	session *tracker.Session
	storage interfaces.JobCacheStorage
	ws      *WebSocketHandler
	logger  arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(session *tracker.Session, storage interfaces.JobCacheStorage, ws *WebSocketHandler, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		session: session,
		storage: storage,
		ws:      ws,
		logger:  logger,
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	ctx := r.Context()

	cachedJobs, err := h.storage.CountJobs(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to count cached jobs")
		cachedJobs = -1
	}

	tracked := h.session.TrackedJobs()

	status := map[string]interface{}{
		"session_id":   h.session.ID(),
		"cached_jobs":  cachedJobs,
		"tracked_jobs": tracked,
		"stale_keys":   h.session.Invalidator().StaleKeys(),
	}
	if h.ws != nil {
		status["websocket_clients"] = h.ws.ClientCount()
	}

	WriteJSON(w, http.StatusOK, status)
}
