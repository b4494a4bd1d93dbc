package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/desklab/optiondesk/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, ticker, contract_symbol, strike, expiry, option_type,
	static_bid, static_ask, static_mid, static_volume, static_open_interest,
	static_iv, static_delta, static_gamma, static_theta, static_vega,
	contract_fetched_at, state, entry_price, entry_time, target_price,
	stop_price, exited_at, archived, created_at, updated_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var optionType, state string
	var expiry, entryTime, fetchedAt *time.Time

	err := row.Scan(
		&p.ID, &p.Ticker, &p.Contract.Symbol, &p.Contract.Strike, &expiry, &optionType,
		&p.Contract.Bid, &p.Contract.Ask, &p.Contract.Mid,
		&p.Contract.Volume, &p.Contract.OpenInterest,
		&p.Contract.IV, &p.Contract.Greeks.Delta, &p.Contract.Greeks.Gamma,
		&p.Contract.Greeks.Theta, &p.Contract.Greeks.Vega,
		&fetchedAt, &state, &p.EntryPrice, &entryTime, &p.Target,
		&p.Stop, &p.ExitedAt, &p.Archived, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Contract.Ticker = p.Ticker
	p.Contract.Expiry = timeVal(expiry)
	p.Contract.FetchedAt = timeVal(fetchedAt)
	p.Contract.Type = domain.OptionType(optionType)
	p.EntryTime = timeVal(entryTime)
	p.State = domain.PositionState(state)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// timePtr maps the zero time to NULL for insert parameters.
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// timeVal maps NULL back to the zero time.
func timeVal(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

// Create inserts a new position row. Lifecycle events are persisted
// separately through the event store.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, ticker, contract_symbol, strike, expiry, option_type,
			static_bid, static_ask, static_mid, static_volume, static_open_interest,
			static_iv, static_delta, static_gamma, static_theta, static_vega,
			contract_fetched_at, state, entry_price, entry_time, target_price,
			stop_price, exited_at, archived, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24, NOW(), NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Ticker, p.Contract.Symbol, p.Contract.Strike,
		timePtr(p.Contract.Expiry), string(p.Contract.Type),
		p.Contract.Bid, p.Contract.Ask, p.Contract.Mid,
		p.Contract.Volume, p.Contract.OpenInterest,
		p.Contract.IV, p.Contract.Greeks.Delta, p.Contract.Greeks.Gamma,
		p.Contract.Greeks.Theta, p.Contract.Greeks.Vega,
		timePtr(p.Contract.FetchedAt), string(p.State),
		p.EntryPrice, timePtr(p.EntryTime), p.Target,
		p.Stop, p.ExitedAt, p.Archived,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position with its lifecycle events.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}

	events, err := s.eventsFor(ctx, []string{p.ID})
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s events: %w", id, err)
	}
	p.Events = events[p.ID]
	return p, nil
}

// ListOpen returns every non-exited, non-archived position with events
// attached. This is the set the engine tracks at startup.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE state <> 'exited' AND archived = FALSE
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	if err := s.attachEvents(ctx, positions); err != nil {
		return nil, fmt.Errorf("postgres: attach open position events: %w", err)
	}
	return positions, nil
}

// ListByState returns positions in the given state with pagination and
// optional time filtering on created_at.
func (s *PositionStore) ListByState(ctx context.Context, state domain.PositionState, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE state = $1`
	args := []any{string(state)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by state: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by state: %w", err)
	}
	if err := s.attachEvents(ctx, positions); err != nil {
		return nil, fmt.Errorf("postgres: attach position events: %w", err)
	}
	return positions, nil
}

// UpdateState moves a position to the given lifecycle state.
func (s *PositionStore) UpdateState(ctx context.Context, id string, state domain.PositionState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET state = $2, updated_at = NOW() WHERE id = $1`,
		id, string(state))
	if err != nil {
		return fmt.Errorf("postgres: update position %s state: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetEntry records the fill price and time of the opening execution.
func (s *PositionStore) SetEntry(ctx context.Context, id string, price float64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET entry_price = $2, entry_time = $3, updated_at = NOW() WHERE id = $1`,
		id, price, at)
	if err != nil {
		return fmt.Errorf("postgres: set position %s entry: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetRisk updates the target and stop levels.
func (s *PositionStore) SetRisk(ctx context.Context, id string, target, stop float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET target_price = $2, stop_price = $3, updated_at = NOW() WHERE id = $1`,
		id, target, stop)
	if err != nil {
		return fmt.Errorf("postgres: set position %s risk: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkExited closes a position that is not already exited. Exited rows are
// flagged archived and stay in the table until the cold-storage archiver
// moves them out.
func (s *PositionStore) MarkExited(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET state = 'exited', exited_at = $2, archived = TRUE, updated_at = NOW()
		 WHERE id = $1 AND state <> 'exited'`,
		id, at)
	if err != nil {
		return fmt.Errorf("postgres: mark position %s exited: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListExitedBefore returns exited positions whose exit predates the cutoff,
// oldest first, with events attached for archival.
func (s *PositionStore) ListExitedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE state = 'exited' AND exited_at IS NOT NULL AND exited_at < $1
		 ORDER BY exited_at ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exited positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan exited positions: %w", err)
	}
	if err := s.attachEvents(ctx, positions); err != nil {
		return nil, fmt.Errorf("postgres: attach exited position events: %w", err)
	}
	return positions, nil
}

// Delete removes a position row; the events cascade. Reserved for the
// archiver after a verified cold-storage upload.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Count returns the total number of position rows.
func (s *PositionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count positions: %w", err)
	}
	return n, nil
}

// attachEvents hydrates the lifecycle history for a batch of positions in
// one query.
func (s *PositionStore) attachEvents(ctx context.Context, positions []domain.Position) error {
	if len(positions) == 0 {
		return nil
	}
	ids := make([]string, len(positions))
	for i, p := range positions {
		ids[i] = p.ID
	}

	events, err := s.eventsFor(ctx, ids)
	if err != nil {
		return err
	}
	for i := range positions {
		positions[i].Events = events[positions[i].ID]
	}
	return nil
}

func (s *PositionStore) eventsFor(ctx context.Context, ids []string) (map[string][]domain.LifecycleEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, event_type, price, trim_percent, pnl_at_event, occurred_at
		 FROM position_events
		 WHERE position_id = ANY($1)
		 ORDER BY occurred_at ASC, created_at ASC`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.LifecycleEvent, len(ids))
	for rows.Next() {
		var e domain.LifecycleEvent
		var eventType string
		if err := rows.Scan(&e.ID, &e.PositionID, &eventType, &e.Price, &e.TrimPercent, &e.PnLAtEvent, &e.At); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(eventType)
		out[e.PositionID] = append(out[e.PositionID], e)
	}
	return out, rows.Err()
}
