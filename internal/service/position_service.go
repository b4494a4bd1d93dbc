// Package service owns the write path for position records and the static
// contract catalog. Handlers go through here so every mutation carries its
// transition check, audit row, bus event, and engine notification.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/desklab/optiondesk/internal/domain"
	"github.com/desklab/optiondesk/internal/notify"
)

// Tracker mirrors the engine operations the service drives as the position
// set changes. A nil Tracker disables engine notifications (server mode,
// where valuations are read from the snapshot cache).
type Tracker interface {
	Track(ctx context.Context, pos domain.Position) error
	Release(ctx context.Context, positionID string) error
}

// Alerter delivers operator notifications. Nil disables them.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// PositionService manages the position lifecycle: loading trades, appending
// lifecycle events with state-transition validation, and archiving exits.
type PositionService struct {
	positions domain.PositionStore
	events    domain.EventStore
	snapshots domain.SnapshotCache
	bus       domain.SignalBus
	audit     domain.AuditStore
	tracker   Tracker
	alerter   Alerter
	logger    *slog.Logger
}

// NewPositionService creates a PositionService. tracker and alerter may be
// nil.
func NewPositionService(
	positions domain.PositionStore,
	events domain.EventStore,
	snapshots domain.SnapshotCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	tracker Tracker,
	alerter Alerter,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		events:    events,
		snapshots: snapshots,
		bus:       bus,
		audit:     audit,
		tracker:   tracker,
		alerter:   alerter,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// LoadPosition creates a position in state loaded from a fetched contract
// snapshot and starts valuation for it. Target and stop may be zero when
// the operator has not set levels yet.
func (s *PositionService) LoadPosition(ctx context.Context, ticker string, contract domain.Contract, target, stop float64) (domain.Position, error) {
	if ticker == "" {
		return domain.Position{}, fmt.Errorf("position_service: load: empty ticker: %w", domain.ErrInvalidInput)
	}
	if contract.Symbol == "" {
		return domain.Position{}, fmt.Errorf("position_service: load: empty contract symbol: %w", domain.ErrInvalidInput)
	}
	if contract.Ticker == "" {
		contract.Ticker = ticker
	}

	now := time.Now().UTC()
	pos := domain.Position{
		ID:        uuid.NewString(),
		Ticker:    ticker,
		Contract:  contract,
		State:     domain.PositionStateLoaded,
		Target:    target,
		Stop:      stop,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create position: %w", err)
	}

	if s.tracker != nil {
		if err := s.tracker.Track(ctx, pos); err != nil {
			s.logger.WarnContext(ctx, "engine track failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.publish(ctx, domain.PositionEvent{
		Action:   domain.PositionLoaded,
		Position: pos,
		At:       now,
	})
	s.auditLog(ctx, "position_loaded", map[string]any{
		"position_id": pos.ID,
		"ticker":      pos.Ticker,
		"contract":    pos.Contract.Symbol,
		"target":      target,
		"stop":        stop,
	})

	s.logger.InfoContext(ctx, "position loaded",
		slog.String("position_id", pos.ID),
		slog.String("ticker", pos.Ticker),
		slog.String("contract", pos.Contract.Symbol),
	)

	return pos, nil
}

// AppendEvent validates the lifecycle transition, appends the event, and
// applies its side effects: enter stamps the entry fill and moves the state
// to entered, move_stop/trail_stop update the stop level, exit marks the
// position exited and releases it from the engine. The event's id and
// timestamp are stamped when absent. Returns the refreshed record.
func (s *PositionService) AppendEvent(ctx context.Context, positionID string, event domain.LifecycleEvent) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get position %s: %w", positionID, err)
	}

	if err := validateTransition(pos, event); err != nil {
		return domain.Position{}, err
	}

	event.PositionID = positionID
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	if err := s.events.Append(ctx, event); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: append %s event: %w", event.Type, err)
	}

	switch event.Type {
	case domain.EventEnter:
		if err := s.positions.SetEntry(ctx, positionID, event.Price, event.At); err != nil {
			return domain.Position{}, fmt.Errorf("position_service: set entry: %w", err)
		}
		if err := s.positions.UpdateState(ctx, positionID, domain.PositionStateEntered); err != nil {
			return domain.Position{}, fmt.Errorf("position_service: mark entered: %w", err)
		}

	case domain.EventMoveStop, domain.EventTrailStop:
		if err := s.positions.SetRisk(ctx, positionID, pos.Target, event.Price); err != nil {
			return domain.Position{}, fmt.Errorf("position_service: set stop: %w", err)
		}

	case domain.EventExit:
		if err := s.positions.MarkExited(ctx, positionID, event.At); err != nil {
			return domain.Position{}, fmt.Errorf("position_service: mark exited: %w", err)
		}
	}

	fresh, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: reload position %s: %w", positionID, err)
	}

	if event.Type == domain.EventExit {
		s.releaseExited(ctx, positionID)
	} else if s.tracker != nil {
		// Track refreshes an already-tracked worker's record and starts a
		// worker for an untracked one.
		if err := s.tracker.Track(ctx, fresh); err != nil {
			s.logger.WarnContext(ctx, "engine track failed",
				slog.String("position_id", positionID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.publish(ctx, domain.PositionEvent{
		Action:   actionFor(event.Type),
		Position: fresh,
		Event:    &event,
		At:       event.At,
	})
	s.auditLog(ctx, "position_event", map[string]any{
		"position_id":  positionID,
		"event_id":     event.ID,
		"type":         string(event.Type),
		"price":        event.Price,
		"trim_percent": event.TrimPercent,
	})
	s.alert(ctx, fresh, event)

	s.logger.InfoContext(ctx, "lifecycle event appended",
		slog.String("position_id", positionID),
		slog.String("type", string(event.Type)),
		slog.Float64("price", event.Price),
	)

	return fresh, nil
}

// GetPosition returns one position with its event history.
func (s *PositionService) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get position %s: %w", id, err)
	}
	return pos, nil
}

// ListOpen returns every non-exited position.
func (s *PositionService) ListOpen(ctx context.Context) ([]domain.Position, error) {
	positions, err := s.positions.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: list open: %w", err)
	}
	return positions, nil
}

// ListByState returns positions in the given state with pagination.
func (s *PositionService) ListByState(ctx context.Context, state domain.PositionState, opts domain.ListOpts) ([]domain.Position, error) {
	switch state {
	case domain.PositionStateWatching, domain.PositionStateLoaded,
		domain.PositionStateEntered, domain.PositionStateExited:
	default:
		return nil, fmt.Errorf("position_service: unknown state %q: %w", state, domain.ErrInvalidInput)
	}

	positions, err := s.positions.ListByState(ctx, state, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list by state: %w", err)
	}
	return positions, nil
}

// releaseExited drops the engine worker and the cached valuation for a
// position that just exited. Both failures are survivable: the worker stops
// on the next sweep of a closed record and the cache entry expires by TTL.
func (s *PositionService) releaseExited(ctx context.Context, positionID string) {
	if s.tracker != nil {
		if err := s.tracker.Release(ctx, positionID); err != nil {
			s.logger.WarnContext(ctx, "engine release failed",
				slog.String("position_id", positionID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := s.snapshots.Invalidate(ctx, positionID); err != nil {
		s.logger.WarnContext(ctx, "snapshot invalidate failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
}

// publish sends a PositionEvent on the positions channel. Publish failures
// are logged, never surfaced; the store is the source of truth.
func (s *PositionService) publish(ctx context.Context, evt domain.PositionEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.WarnContext(ctx, "marshal position event failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
		s.logger.WarnContext(ctx, "publish position event failed",
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// alert notifies the operator about enter, trim, and exit fills.
func (s *PositionService) alert(ctx context.Context, pos domain.Position, event domain.LifecycleEvent) {
	if s.alerter == nil {
		return
	}

	var name, title, message string
	switch event.Type {
	case domain.EventEnter:
		name = notify.EventPositionEntered
		title = fmt.Sprintf("Entered %s", pos.Contract.Symbol)
		message = fmt.Sprintf("%s @ %.2f, target %.2f, stop %.2f", pos.Ticker, event.Price, pos.Target, pos.Stop)
	case domain.EventTrim:
		name = notify.EventPositionTrimmed
		title = fmt.Sprintf("Trimmed %s", pos.Contract.Symbol)
		message = fmt.Sprintf("%.0f%% of remaining @ %.2f", event.TrimPercent, event.Price)
	case domain.EventExit:
		name = notify.EventPositionExited
		title = fmt.Sprintf("Exited %s", pos.Contract.Symbol)
		message = fmt.Sprintf("%s closed @ %.2f", pos.Ticker, event.Price)
	default:
		return
	}

	if err := s.alerter.Notify(ctx, name, title, message); err != nil {
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
	}
}

// validateTransition enforces the lifecycle state machine: enter only from
// watching or loaded, add/trim/move_stop/trail_stop/exit only while
// entered. A trail_stop may only raise the stop.
func validateTransition(pos domain.Position, event domain.LifecycleEvent) error {
	if pos.State == domain.PositionStateExited {
		return fmt.Errorf("position_service: %s on exited position: %w", event.Type, domain.ErrPositionClosed)
	}

	switch event.Type {
	case domain.EventEnter:
		if pos.State != domain.PositionStateWatching && pos.State != domain.PositionStateLoaded {
			return transitionError(event.Type, pos.State)
		}
		if err := requirePositivePrice(event); err != nil {
			return err
		}

	case domain.EventAdd, domain.EventTrim:
		if pos.State != domain.PositionStateEntered {
			return transitionError(event.Type, pos.State)
		}
		if err := requirePositivePrice(event); err != nil {
			return err
		}
		if event.TrimPercent <= 0 || event.TrimPercent > 100 {
			return fmt.Errorf("position_service: %s percent %.2f outside (0,100]: %w",
				event.Type, event.TrimPercent, domain.ErrInvalidEvent)
		}

	case domain.EventMoveStop, domain.EventTrailStop:
		if pos.State != domain.PositionStateEntered {
			return transitionError(event.Type, pos.State)
		}
		if err := requirePositivePrice(event); err != nil {
			return err
		}
		if event.Type == domain.EventTrailStop && event.Price < pos.Stop {
			return fmt.Errorf("position_service: trail_stop %.2f below current stop %.2f: %w",
				event.Price, pos.Stop, domain.ErrInvalidEvent)
		}

	case domain.EventExit:
		if pos.State != domain.PositionStateEntered {
			return transitionError(event.Type, pos.State)
		}
		// Zero is a legal exit price: contracts expire worthless.
		if event.Price < 0 {
			return fmt.Errorf("position_service: exit price %.2f negative: %w", event.Price, domain.ErrInvalidEvent)
		}

	default:
		return fmt.Errorf("position_service: unknown event type %q: %w", event.Type, domain.ErrInvalidEvent)
	}

	return nil
}

func requirePositivePrice(event domain.LifecycleEvent) error {
	if event.Price <= 0 {
		return fmt.Errorf("position_service: %s price %.2f not positive: %w",
			event.Type, event.Price, domain.ErrInvalidEvent)
	}
	return nil
}

func transitionError(t domain.EventType, state domain.PositionState) error {
	return fmt.Errorf("position_service: %s not allowed in state %s: %w", t, state, domain.ErrInvalidTransition)
}

func actionFor(t domain.EventType) domain.PositionAction {
	switch t {
	case domain.EventEnter:
		return domain.PositionEntered
	case domain.EventExit:
		return domain.PositionExited
	default:
		return domain.PositionUpdated
	}
}
