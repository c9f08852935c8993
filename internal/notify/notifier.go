// Package notify delivers operator alerts over Telegram and Discord.
// Events are filtered against the configured allow list so an operator
// subscribes to the categories they want woken up for; alerts that fit
// no known category always go through.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Event categories, matching the config allow list.
const (
	EventMergeFailure = "merge_failure"
	EventHedgeLoss    = "hedge_loss"
	EventVenueAuth    = "venue_auth"
	EventDrain        = "drain"
	EventLiveFill     = "live_fill"
)

// eventByTitle maps the alert titles raised around the codebase to
// event categories. Titles are the stable contract; new alert sites
// should reuse one of these or accept uncategorized delivery.
var eventByTitle = map[string]string{
	"merge failed":         EventMergeFailure,
	"hedge failed":         EventHedgeLoss,
	"arb closed at loss":   EventHedgeLoss,
	"aborted with residue": EventHedgeLoss,
	"venue auth failure":   EventVenueAuth,
	"venue feed halted":    EventVenueAuth,
	"drain requested":      EventDrain,
	"arb completed":        EventLiveFill,
}

// EventFor returns the event category for an alert title, or "" when
// the title is uncategorized.
func EventFor(title string) string {
	return eventByTitle[title]
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a notification out to every sender, filtered by event
// category. An empty allow list lets everything through.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders, forwarding
// only the listed event categories.
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

// Notify delivers title/message when the event category is allowed.
// An empty event marks an uncategorized alert, which always passes.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if event != "" && len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// dispatch tries every sender; one channel failing must not silence
// the others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title))
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// AlertRouter adapts the Alert(ctx, title, detail) convention used by
// the coordinator, feed supervisor, and control plane onto the
// notifier. Delivery is asynchronous: alert sites sit on trading paths
// and must never wait on a webhook.
type AlertRouter struct {
	notifier *Notifier
	timeout  time.Duration
}

// NewAlertRouter wraps the notifier for alert call sites.
func NewAlertRouter(n *Notifier) *AlertRouter {
	return &AlertRouter{notifier: n, timeout: 10 * time.Second}
}

// Alert categorizes the title and delivers in the background. The
// caller's cancellation is dropped so an expiring arb budget cannot
// swallow its own failure alert.
func (a *AlertRouter) Alert(ctx context.Context, title, detail string) {
	event := EventFor(title)
	bg := context.WithoutCancel(ctx)
	go func() {
		sctx, cancel := context.WithTimeout(bg, a.timeout)
		defer cancel()
		// Errors are already logged per sender.
		_ = a.notifier.Notify(sctx, event, title, detail)
	}()
}
