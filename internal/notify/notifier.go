// Package notify delivers operator alerts to chat channels. Each alert has an
// event type, and operators can restrict which types are forwarded.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

// Event types.
const (
	EventSignal    = "signal"
	EventLifecycle = "lifecycle"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every sender whose event type is allowed.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends title and message to all senders if event is allowed.
// A failing sender does not stop delivery to the others.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// NotifySignal sends an alert for an actionable trade signal.
func (n *Notifier) NotifySignal(ctx context.Context, s domain.TradeSignal) error {
	return n.Notify(ctx, EventSignal, SignalTitle(s), SignalMessage(s))
}

// SignalTitle is the one-line summary of a signal.
func SignalTitle(s domain.TradeSignal) string {
	return fmt.Sprintf("%s edge %s", s.Direction(), s.Edge.StringFixed(2))
}

// SignalMessage renders the body of a signal alert.
func SignalMessage(s domain.TradeSignal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", s.Question)
	fmt.Fprintf(&b, "market %s%%, estimate %s%%\n",
		s.MarketProbability.Shift(2).StringFixed(1),
		s.EstimatedProbability.Shift(2).StringFixed(1),
	)
	if s.TotalLiquidity != nil {
		fmt.Fprintf(&b, "liquidity %s\n", s.TotalLiquidity.StringFixed(0))
	}
	fmt.Fprintf(&b, "market id %s", s.MarketID)
	if s.Reasoning != "" {
		fmt.Fprintf(&b, "\n\n%s", s.Reasoning)
	}
	return b.String()
}
