// Package notify delivers operator alerts to Telegram and Discord. Risk
// events can be filtered by kind so operators only receive what they act on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/pairarb/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches to every sender. Notify only forwards allowed kinds;
// an empty allow list lets everything through.
type Notifier struct {
	senders []Sender
	kinds   map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders, forwarding only kinds.
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			allowed[k] = true
		}
	}
	return &Notifier{
		senders: senders,
		kinds:   allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends title and message if kind passes the filter.
func (n *Notifier) Notify(ctx context.Context, kind, title, message string) error {
	if len(n.kinds) > 0 && !n.kinds[kind] {
		n.logger.DebugContext(ctx, "notification filtered out", slog.String("kind", kind))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyRisk formats and sends an escalated risk event.
func (n *Notifier) NotifyRisk(ctx context.Context, evt domain.RiskEvent) error {
	title := fmt.Sprintf("%s on %s", evt.Kind, evt.MarketID)
	return n.Notify(ctx, evt.Kind, title, FormatRisk(evt))
}

// FormatRisk renders a risk event as a short plain-text body with detail
// keys in sorted order.
func FormatRisk(evt domain.RiskEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "market: %s\n", evt.MarketID)
	if evt.PositionID != "" {
		fmt.Fprintf(&b, "position: %s\n", evt.PositionID)
	}
	fmt.Fprintf(&b, "at: %s", evt.At.UTC().Format("2006-01-02 15:04:05Z"))

	keys := make([]string, 0, len(evt.Detail))
	for k := range evt.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, evt.Detail[k])
	}
	return b.String()
}

// dispatch tries every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
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
