package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

// ValuationReader serves the latest published valuation for a position.
// All modes read through the snapshot cache: engines publish into it and
// read-only servers answer from it, so the handler never needs a local
// engine.
type ValuationReader interface {
	GetValuation(ctx context.Context, positionID string) (domain.ValuationEvent, error)
}

// PositionReader resolves a position id so the handler can distinguish an
// unknown position from one whose first valuation has not landed yet.
type PositionReader interface {
	GetPosition(ctx context.Context, id string) (domain.Position, error)
}

// ValuationHandler serves the derived read endpoints: full valuation,
// accounting, risk, and flow.
type ValuationHandler struct {
	valuations ValuationReader
	positions  PositionReader
	logger     *slog.Logger
}

// NewValuationHandler creates a ValuationHandler with the given sources and logger.
func NewValuationHandler(valuations ValuationReader, positions PositionReader, logger *slog.Logger) *ValuationHandler {
	return &ValuationHandler{
		valuations: valuations,
		positions:  positions,
		logger:     logger,
	}
}

// GetValuation returns the full fused valuation event for a position.
// GET /api/positions/{id}/valuation
func (h *ValuationHandler) GetValuation(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.latest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// accountingResponse wraps the accounting slice of a valuation event.
type accountingResponse struct {
	PositionID string            `json:"position_id"`
	Accounting domain.Accounting `json:"accounting"`
	At         time.Time         `json:"at"`
}

// GetAccounting returns the realized/unrealized P&L split for a position.
// GET /api/positions/{id}/accounting
func (h *ValuationHandler) GetAccounting(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.latest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, accountingResponse{
		PositionID: ev.PositionID,
		Accounting: ev.Accounting,
		At:         ev.At,
	})
}

// riskResponse wraps the risk slice of a valuation event.
type riskResponse struct {
	PositionID string             `json:"position_id"`
	Risk       domain.RiskMetrics `json:"risk"`
	At         time.Time          `json:"at"`
}

// GetRisk returns the risk metrics for a position.
// GET /api/positions/{id}/risk
func (h *ValuationHandler) GetRisk(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.latest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, riskResponse{
		PositionID: ev.PositionID,
		Risk:       ev.Risk,
		At:         ev.At,
	})
}

// flowResponse wraps the flow slice of a valuation event.
type flowResponse struct {
	PositionID string               `json:"position_id"`
	Flow       domain.FlowAlignment `json:"flow"`
	At         time.Time            `json:"at"`
}

// GetFlow returns the options-flow alignment for a position.
// GET /api/positions/{id}/flow
func (h *ValuationHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.latest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, flowResponse{
		PositionID: ev.PositionID,
		Flow:       ev.Flow,
		At:         ev.At,
	})
}

// latest resolves the position and fetches its cached valuation, writing
// the error response itself when either step fails.
func (h *ValuationHandler) latest(w http.ResponseWriter, r *http.Request) (domain.ValuationEvent, bool) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return domain.ValuationEvent{}, false
	}

	if _, err := h.positions.GetPosition(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return domain.ValuationEvent{}, false
		}
		h.logger.ErrorContext(r.Context(), "handler: resolve position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to resolve position")
		return domain.ValuationEvent{}, false
	}

	ev, err := h.valuations.GetValuation(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNoSnapshot) {
			writeError(w, http.StatusNotFound, "no valuation published yet")
			return domain.ValuationEvent{}, false
		}
		h.logger.ErrorContext(r.Context(), "handler: get valuation failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get valuation")
		return domain.ValuationEvent{}, false
	}

	return ev, true
}
