package handler

import (
	"net/http"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

// StatusHandler serves the engine status for dashboards. The status source
// is a function so the app can point it at a live engine or synthesize one
// for read-only server instances.
type StatusHandler struct {
	status func() domain.EngineStatus
}

// NewStatusHandler creates a StatusHandler reading from the given source.
func NewStatusHandler(status func() domain.EngineStatus) *StatusHandler {
	return &StatusHandler{status: status}
}

// statusResponse mirrors the hub's hello payload so HTTP and WebSocket
// consumers see the same field names.
type statusResponse struct {
	Mode             string `json:"mode"`
	FeedConnected    bool   `json:"feed_connected"`
	TrackedPositions int    `json:"tracked_positions"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	Timestamp        string `json:"timestamp"`
}

// GetStatus responds with the current engine mode, feed state, and tracked
// position count.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status source not configured")
		return
	}

	st := h.status()
	writeJSON(w, http.StatusOK, statusResponse{
		Mode:             st.Mode,
		FeedConnected:    st.FeedConnected,
		TrackedPositions: st.TrackedPositions,
		UptimeSeconds:    st.UptimeSeconds,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	})
}
