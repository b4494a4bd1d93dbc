package domain

import (
	"sort"
	"time"
)

// PositionState tracks a position through its trading lifecycle.
type PositionState string

const (
	PositionStateWatching PositionState = "watching"
	PositionStateLoaded   PositionState = "loaded"
	PositionStateEntered  PositionState = "entered"
	PositionStateExited   PositionState = "exited"
)

// EventType enumerates the lifecycle actions that can be appended to a
// position. Events are append-only and never rewritten.
type EventType string

const (
	EventEnter     EventType = "enter"
	EventAdd       EventType = "add"
	EventTrim      EventType = "trim"
	EventMoveStop  EventType = "move_stop"
	EventTrailStop EventType = "trail_stop"
	EventExit      EventType = "exit"
)

// LifecycleEvent records a single action taken on a position. TrimPercent
// is the percentage of the currently remaining size being closed (trim) or
// added (add), not a percentage of the original size.
type LifecycleEvent struct {
	ID          string
	PositionID  string
	Type        EventType
	Price       float64
	TrimPercent float64
	PnLAtEvent  *float64 // P&L percent recorded by the operator at the event, if any
	At          time.Time
}

// Position is one tracked trade: the static facts set at load/entry time
// plus the append-only lifecycle history. Archived positions are retained
// until the cold-storage archiver moves them out of the database.
type Position struct {
	ID         string
	Ticker     string
	Contract   Contract
	State      PositionState
	EntryPrice float64
	EntryTime  time.Time
	Target     float64
	Stop       float64
	ExitedAt   *time.Time
	Events     []LifecycleEvent
	Archived   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Open reports whether the position belongs to the live open set. Watching
// and loaded positions are tracked for valuation; exited ones are not.
func (p Position) Open() bool {
	return p.State != PositionStateExited
}

// Entered reports whether the position has a live entry whose P&L is
// meaningful.
func (p Position) Entered() bool {
	return p.State == PositionStateEntered
}

// EventsInOrder returns the lifecycle events sorted by timestamp. The trim
// math is order-dependent, so every consumer must use this ordering. The
// sort is stable: events sharing a timestamp keep their append order.
func (p Position) EventsInOrder() []LifecycleEvent {
	out := make([]LifecycleEvent, len(p.Events))
	copy(out, p.Events)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].At.Before(out[j].At)
	})
	return out
}
