// Package notify delivers operator alerts over Telegram and Discord.
// Notifications are dispatched to every registered sender, filtered by
// event type, and deduplicated so a flapping condition does not page the
// operator once per sweep.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event names used by the engine and the position service. Trim alerts are
// off by default; operators opt in through the config events list.
const (
	EventPositionEntered = "position_entered"
	EventPositionTrimmed = "position_trimmed"
	EventPositionExited  = "position_exited"
	EventHealthStale     = "health_stale"
	EventError           = "error"
)

// Sender is the interface each notification channel implements.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. It keeps a set
// of allowed event types; Notify forwards only messages whose event type is
// in the set, while NotifyAll bypasses both the filter and the dedup.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	dedup   *Dedup
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only
// events whose type appears in the events slice pass the filter; an empty
// slice allows everything. A dedupWindow of zero or less disables
// deduplication.
func NewNotifier(senders []Sender, events []string, dedupWindow time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}

	var dedup *Dedup
	if dedupWindow > 0 {
		dedup = NewDedup(dedupWindow)
	}

	return &Notifier{
		senders: senders,
		events:  allowed,
		dedup:   dedup,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends a notification to all senders if the event type is allowed
// and the same event/title pair has not fired within the dedup window.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}

	if n.dedup != nil && n.dedup.IsDuplicate(event+"|"+title) {
		n.logger.DebugContext(ctx, "duplicate suppressed",
			slog.String("event", event),
			slog.String("title", title),
		)
		return nil
	}

	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of event type or
// dedup state.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// Run sweeps lapsed dedup entries until the context is cancelled. Harmless
// to skip when dedup is disabled.
func (n *Notifier) Run(ctx context.Context) error {
	if n.dedup == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(n.dedup.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.dedup.Cleanup()
		}
	}
}

// dispatch fans out to all senders in parallel so one slow channel does not
// delay the others; each sender bounds its own delivery with an HTTP
// timeout. Errors are collected into a combined error; one failing sender
// does not prevent delivery to the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []string
	)

	for _, s := range n.senders {
		wg.Add(1)
		go func(s Sender) {
			defer wg.Done()

			if err := s.Send(ctx, title, message); err != nil {
				n.logger.ErrorContext(ctx, "sender failed",
					slog.String("sender", s.Name()),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
				mu.Unlock()
				return
			}

			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}(s)
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
