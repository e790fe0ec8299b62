package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// EventPublisher receives one event per classified action.
type EventPublisher interface {
	PublishAction(ctx context.Context, ev domain.ActionEvent) error
}

// BusPublisher publishes action events on the signal bus under the
// channel of their kind, and optionally appends them to the durable stream.
type BusPublisher struct {
	bus     domain.SignalBus
	durable bool
}

// NewBusPublisher creates a BusPublisher.
func NewBusPublisher(bus domain.SignalBus, durable bool) *BusPublisher {
	return &BusPublisher{bus: bus, durable: durable}
}

func (p *BusPublisher) PublishAction(ctx context.Context, ev domain.ActionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.Topic, err)
	}
	if err := p.bus.Publish(ctx, domain.EventChannel(ev.Topic), payload); err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Topic, err)
	}
	if p.durable {
		if err := p.bus.StreamAppend(ctx, domain.EventStream, payload); err != nil {
			return fmt.Errorf("events: stream append %s: %w", ev.Topic, err)
		}
	}
	return nil
}
