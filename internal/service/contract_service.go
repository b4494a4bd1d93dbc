package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

// ContractFetcher is the slice of the market-data client the catalog needs.
type ContractFetcher interface {
	GetContract(ctx context.Context, symbol string) (domain.Contract, error)
	ListContracts(ctx context.Context, underlying string, limit, offset int) ([]domain.Contract, error)
}

// ExpiryCalendar normalizes an expiry date to the session close.
type ExpiryCalendar interface {
	CloseOn(day time.Time) time.Time
}

// ContractService fetches static contract snapshots at load time. Vendor
// feeds report expiry as a bare date; valuation needs the session close on
// that date, so every contract leaving this service carries a normalized
// expiry.
type ContractService struct {
	fetcher ContractFetcher
	cal     ExpiryCalendar
	logger  *slog.Logger
}

// NewContractService creates a ContractService.
func NewContractService(fetcher ContractFetcher, cal ExpiryCalendar, logger *slog.Logger) *ContractService {
	return &ContractService{
		fetcher: fetcher,
		cal:     cal,
		logger:  logger.With(slog.String("component", "contract_service")),
	}
}

// Snapshot fetches the contract's static snapshot, stamps the fetch time,
// and normalizes the expiry.
func (s *ContractService) Snapshot(ctx context.Context, symbol string) (domain.Contract, error) {
	if symbol == "" {
		return domain.Contract{}, fmt.Errorf("contract_service: empty symbol: %w", domain.ErrInvalidInput)
	}

	contract, err := s.fetcher.GetContract(ctx, symbol)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("contract_service: fetch %s: %w", symbol, err)
	}
	s.normalize(&contract)

	s.logger.DebugContext(ctx, "contract snapshot fetched",
		slog.String("symbol", contract.Symbol),
		slog.Float64("mid", contract.Mid),
		slog.Time("expiry", contract.Expiry),
	)

	return contract, nil
}

// Chain lists contracts for an underlying with pagination, normalized the
// same way as Snapshot.
func (s *ContractService) Chain(ctx context.Context, underlying string, limit, offset int) ([]domain.Contract, error) {
	if underlying == "" {
		return nil, fmt.Errorf("contract_service: empty underlying: %w", domain.ErrInvalidInput)
	}

	contracts, err := s.fetcher.ListContracts(ctx, underlying, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("contract_service: list chain %s: %w", underlying, err)
	}
	for i := range contracts {
		s.normalize(&contracts[i])
	}
	return contracts, nil
}

func (s *ContractService) normalize(c *domain.Contract) {
	if !c.Expiry.IsZero() {
		c.Expiry = s.cal.CloseOn(c.Expiry)
	}
	if c.FetchedAt.IsZero() {
		c.FetchedAt = time.Now().UTC()
	}
}
