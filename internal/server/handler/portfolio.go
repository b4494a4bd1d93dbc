package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/desklab/optiondesk/internal/domain"
)

// PortfolioReader serves the latest published portfolio aggregate.
type PortfolioReader interface {
	GetPortfolio(ctx context.Context) (domain.PortfolioEvent, error)
}

// HistoryReader lists sampled portfolio history points.
type HistoryReader interface {
	ListRecent(ctx context.Context, limit int) ([]domain.PortfolioPoint, error)
}

// PortfolioHandler serves the portfolio aggregate and its sampled history.
type PortfolioHandler struct {
	portfolio PortfolioReader
	history   HistoryReader
	logger    *slog.Logger
}

// NewPortfolioHandler creates a PortfolioHandler with the given sources and logger.
func NewPortfolioHandler(portfolio PortfolioReader, history HistoryReader, logger *slog.Logger) *PortfolioHandler {
	return &PortfolioHandler{
		portfolio: portfolio,
		history:   history,
		logger:    logger,
	}
}

// GetPortfolio returns the latest portfolio aggregate.
// GET /api/portfolio
func (h *PortfolioHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	ev, err := h.portfolio.GetPortfolio(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNoSnapshot) {
			writeError(w, http.StatusNotFound, "no portfolio aggregate published yet")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get portfolio failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get portfolio")
		return
	}

	writeJSON(w, http.StatusOK, ev)
}

// historyResponse wraps the portfolio history response.
type historyResponse struct {
	Points []domain.PortfolioPoint `json:"points"`
}

// GetHistory returns the most recent sampled portfolio points, newest first.
// GET /api/portfolio/history?limit=100
func (h *PortfolioHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	points, err := h.history.ListRecent(r.Context(), opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get portfolio history failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get portfolio history")
		return
	}

	if points == nil {
		points = []domain.PortfolioPoint{}
	}

	writeJSON(w, http.StatusOK, historyResponse{Points: points})
}
