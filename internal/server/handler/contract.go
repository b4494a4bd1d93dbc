package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/desklab/optiondesk/internal/domain"
)

// ContractCatalog serves contract snapshots and option chains.
type ContractCatalog interface {
	Snapshot(ctx context.Context, symbol string) (domain.Contract, error)
	Chain(ctx context.Context, underlying string, limit, offset int) ([]domain.Contract, error)
}

// ContractHandler serves contract lookup endpoints so operators can inspect
// a contract before loading a position against it.
type ContractHandler struct {
	catalog ContractCatalog
	logger  *slog.Logger
}

// NewContractHandler creates a ContractHandler with the given catalog and logger.
func NewContractHandler(catalog ContractCatalog, logger *slog.Logger) *ContractHandler {
	return &ContractHandler{
		catalog: catalog,
		logger:  logger,
	}
}

// listContractsResponse wraps the option chain response.
type listContractsResponse struct {
	Contracts []domain.Contract `json:"contracts"`
}

// ListContracts returns the option chain for an underlying ticker.
// GET /api/contracts?underlying=SPY&limit=50&offset=0
func (h *ContractHandler) ListContracts(w http.ResponseWriter, r *http.Request) {
	underlying := r.URL.Query().Get("underlying")
	if underlying == "" {
		writeError(w, http.StatusBadRequest, "underlying query parameter required")
		return
	}

	opts := parseListOpts(r)
	contracts, err := h.catalog.Chain(r.Context(), underlying, opts.Limit, opts.Offset)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: list contracts failed",
			slog.String("underlying", underlying),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list contracts")
		return
	}

	if contracts == nil {
		contracts = []domain.Contract{}
	}

	writeJSON(w, http.StatusOK, listContractsResponse{Contracts: contracts})
}

// GetContract returns a current snapshot for one contract symbol.
// GET /api/contracts/{symbol}
func (h *ContractHandler) GetContract(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing contract symbol")
		return
	}

	contract, err := h.catalog.Snapshot(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "contract not found")
			return
		}
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid contract symbol")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get contract failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get contract")
		return
	}

	writeJSON(w, http.StatusOK, contract)
}
