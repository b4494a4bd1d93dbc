package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// PipelineHandler serves maintenance trigger endpoints.
type PipelineHandler struct {
	logger    *slog.Logger
	archiveCh chan<- struct{} // when non-nil, sending triggers one archive run
}

// NewPipelineHandler creates a PipelineHandler with the given logger.
func NewPipelineHandler(logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{logger: logger}
}

// WithArchiveTrigger sets the channel to send on when an archive run is
// requested. The archive loop must receive from this channel to run one
// cycle.
func (h *PipelineHandler) WithArchiveTrigger(ch chan<- struct{}) *PipelineHandler {
	h.archiveCh = ch
	return h
}

// TriggerArchive enqueues one cold-storage archive run. The send is
// non-blocking; a trigger that is already pending is not duplicated.
// POST /api/pipeline/archive
func (h *PipelineHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "handler: archive trigger requested")

	if h.archiveCh == nil {
		writeError(w, http.StatusServiceUnavailable, "archiver not running in this mode")
		return
	}

	select {
	case h.archiveCh <- struct{}{}:
	default:
		// already triggered and not yet consumed
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"message":      "archive run enqueued",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
