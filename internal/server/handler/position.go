package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/desklab/optiondesk/internal/domain"
)

// PositionService defines the methods that the position handler requires
// from the service layer.
type PositionService interface {
	LoadPosition(ctx context.Context, ticker string, contract domain.Contract, target, stop float64) (domain.Position, error)
	AppendEvent(ctx context.Context, positionID string, event domain.LifecycleEvent) (domain.Position, error)
	GetPosition(ctx context.Context, id string) (domain.Position, error)
	ListOpen(ctx context.Context) ([]domain.Position, error)
	ListByState(ctx context.Context, state domain.PositionState, opts domain.ListOpts) ([]domain.Position, error)
}

// ContractSource resolves an option symbol to a contract snapshot. Live
// deployments back it with the market-data vendor; simulation backs it
// with the synthetic catalog.
type ContractSource interface {
	Snapshot(ctx context.Context, symbol string) (domain.Contract, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions  PositionService
	contracts  ContractSource
	valuations ValuationReader
	logger     *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given services and logger.
func NewPositionHandler(positions PositionService, contracts ContractSource, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		contracts: contracts,
		logger:    logger,
	}
}

// WithValuations embeds the latest cached valuation in single-position reads.
// Without a reader the detail response carries the record alone.
func (h *PositionHandler) WithValuations(valuations ValuationReader) *PositionHandler {
	h.valuations = valuations
	return h
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns open positions, or positions in a given state when
// the state query parameter is present.
// GET /api/positions?state=exited&limit=50&offset=0
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")

	var positions []domain.Position
	var err error

	if state != "" {
		positions, err = h.positions.ListByState(r.Context(), domain.PositionState(state), parseListOpts(r))
	} else {
		positions, err = h.positions.ListOpen(r.Context())
	}

	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "unknown position state "+state)
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// loadPositionRequest is the JSON body for loading a new position.
type loadPositionRequest struct {
	Ticker         string  `json:"ticker"`
	ContractSymbol string  `json:"contract_symbol"`
	Target         float64 `json:"target"`
	Stop           float64 `json:"stop"`
}

// LoadPosition fetches a contract snapshot for the requested symbol and
// creates a position record in the loaded state.
// POST /api/positions
func (h *PositionHandler) LoadPosition(w http.ResponseWriter, r *http.Request) {
	var req loadPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Ticker == "" || req.ContractSymbol == "" {
		writeError(w, http.StatusBadRequest, "ticker and contract_symbol are required")
		return
	}

	contract, err := h.contracts.Snapshot(r.Context(), req.ContractSymbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "contract not found")
			return
		}
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid contract symbol")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: contract snapshot failed",
			slog.String("symbol", req.ContractSymbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to fetch contract")
		return
	}

	pos, err := h.positions.LoadPosition(r.Context(), req.Ticker, contract, req.Target, req.Stop)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: load position failed",
			slog.String("ticker", req.Ticker),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load position")
		return
	}

	writeJSON(w, http.StatusCreated, pos)
}

// positionDetail is the single-position response: the record with its
// lifecycle history, plus the latest valuation when one has been published.
type positionDetail struct {
	domain.Position
	Valuation *domain.ValuationEvent `json:",omitempty"`
}

// GetPosition returns one position record with its lifecycle history and,
// when available, the latest cached valuation. A position whose first
// compute is still pending comes back without the Valuation block.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return
	}

	pos, err := h.positions.GetPosition(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	detail := positionDetail{Position: pos}
	if h.valuations != nil {
		ev, err := h.valuations.GetValuation(r.Context(), id)
		switch {
		case err == nil:
			detail.Valuation = &ev
		case !errors.Is(err, domain.ErrNoSnapshot):
			h.logger.WarnContext(r.Context(), "handler: valuation lookup failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	writeJSON(w, http.StatusOK, detail)
}

// appendEventRequest is the JSON body for appending a lifecycle event.
type appendEventRequest struct {
	Type        string   `json:"type"`
	Price       float64  `json:"price"`
	TrimPercent float64  `json:"trim_percent"`
	PnLAtEvent  *float64 `json:"pnl_at_event"`
}

// AppendEvent appends a lifecycle event (enter, add, trim, move_stop,
// trail_stop, exit) to a position and returns the updated record.
// POST /api/positions/{id}/events
func (h *PositionHandler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return
	}

	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	event := domain.LifecycleEvent{
		Type:        domain.EventType(req.Type),
		Price:       req.Price,
		TrimPercent: req.TrimPercent,
		PnLAtEvent:  req.PnLAtEvent,
	}

	pos, err := h.positions.AppendEvent(r.Context(), id, event)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "position not found")
		case errors.Is(err, domain.ErrPositionClosed):
			writeError(w, http.StatusConflict, "position already exited")
		case errors.Is(err, domain.ErrInvalidEvent), errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: append event failed",
				slog.String("position_id", id),
				slog.String("event_type", req.Type),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to append event")
		}
		return
	}

	writeJSON(w, http.StatusOK, pos)
}
