package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"reelbatch.io/orchestrator/internal/domain"
)

// Forwarder returns an event handler that publishes every domain event as
// JSON on TopicEvents.
func Forwarder(bus Bus) domain.EventHandler {
	return func(ctx context.Context, ev *domain.DomainEvent) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.EventID, err)
		}
		return bus.Publish(ctx, TopicEvents, payload)
	}
}
