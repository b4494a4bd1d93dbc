package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/desklab/optiondesk/internal/domain"
)

// PortfolioHistoryStore implements domain.PortfolioHistoryStore using
// PostgreSQL.
type PortfolioHistoryStore struct {
	pool *pgxpool.Pool
}

// NewPortfolioHistoryStore creates a new PortfolioHistoryStore backed by the
// given connection pool.
func NewPortfolioHistoryStore(pool *pgxpool.Pool) *PortfolioHistoryStore {
	return &PortfolioHistoryStore{pool: pool}
}

// Insert records one sampled observation of the portfolio aggregate.
func (s *PortfolioHistoryStore) Insert(ctx context.Context, point domain.PortfolioPoint) error {
	const query = `
		INSERT INTO portfolio_history (net_pnl_percent, trade_count, recorded_at)
		VALUES ($1, $2, COALESCE($3, NOW()))`

	_, err := s.pool.Exec(ctx, query, point.NetPnLPercent, point.TradeCount, timePtr(point.RecordedAt))
	if err != nil {
		return fmt.Errorf("postgres: insert portfolio point: %w", err)
	}
	return nil
}

// ListRecent returns the newest points first.
func (s *PortfolioHistoryStore) ListRecent(ctx context.Context, limit int) ([]domain.PortfolioPoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, net_pnl_percent, trade_count, recorded_at
		 FROM portfolio_history
		 ORDER BY recorded_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list portfolio history: %w", err)
	}
	defer rows.Close()

	var points []domain.PortfolioPoint
	for rows.Next() {
		var p domain.PortfolioPoint
		if err := rows.Scan(&p.ID, &p.NetPnLPercent, &p.TradeCount, &p.RecordedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan portfolio point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list portfolio history rows: %w", err)
	}
	return points, nil
}
