package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// Forwarder subscribes to the action event channels and hands matching
// events to a Notifier.
type Forwarder struct {
	bus      domain.SignalBus
	notifier *Notifier
	outcomes map[domain.ActionOutcome]bool
	logger   *slog.Logger
}

// NewForwarder creates a Forwarder. Only events whose outcome is in
// outcomes are forwarded; an empty list forwards applied and failed events.
func NewForwarder(bus domain.SignalBus, notifier *Notifier, outcomes []string, logger *slog.Logger) *Forwarder {
	allowed := make(map[domain.ActionOutcome]bool)
	for _, o := range outcomes {
		if o = strings.TrimSpace(o); o != "" {
			allowed[domain.ActionOutcome(o)] = true
		}
	}
	if len(allowed) == 0 {
		allowed[domain.OutcomeApplied] = true
		allowed[domain.OutcomeFailed] = true
	}
	return &Forwarder{
		bus:      bus,
		notifier: notifier,
		outcomes: allowed,
		logger:   logger.With(slog.String("component", "notify_forwarder")),
	}
}

// Run consumes events until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, domain.EventChannel("*"))
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "forwarder started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			f.handle(ctx, payload)
		}
	}
}

func (f *Forwarder) handle(ctx context.Context, payload []byte) {
	var ev domain.ActionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		f.logger.WarnContext(ctx, "undecodable event", slog.String("error", err.Error()))
		return
	}
	if !f.outcomes[ev.Outcome] {
		return
	}
	title, message := Format(ev)
	if err := f.notifier.Notify(ctx, string(ev.Topic), title, message); err != nil {
		f.logger.WarnContext(ctx, "notification failed",
			slog.String("topic", string(ev.Topic)),
			slog.String("error", err.Error()),
		)
	}
}

// Format renders an event as a notification title and body.
func Format(ev domain.ActionEvent) (string, string) {
	title := fmt.Sprintf("%s %s", ev.Topic, ev.Outcome)

	var b strings.Builder
	r := ev.Record
	fmt.Fprintf(&b, "from: %s\n", r.Data.From)
	if r.ListingItemHash != "" {
		fmt.Fprintf(&b, "listing: %s\n", r.ListingItemHash)
	}
	if r.BidID != "" {
		fmt.Fprintf(&b, "bid: %s\n", r.BidID)
	}
	if r.ProposalHash != "" {
		fmt.Fprintf(&b, "proposal: %s\n", r.ProposalHash)
	}
	if m := r.Memo(); m != "" {
		fmt.Fprintf(&b, "memo: %s\n", m)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", ev.Error)
	}
	fmt.Fprintf(&b, "msgid: %s", r.Data.MsgID)
	return title, b.String()
}
