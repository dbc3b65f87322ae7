// Package eventbus carries messages between orchestrator instances.
//
// Two topics are used: domain events (for observers such as dashboards) and
// provider callbacks, which may arrive at any instance but must reach the
// instance whose executor is waiting on the job. With a single instance the
// in-process bus is enough; with several, Redis pub/sub fans messages out.
package eventbus

import (
	"context"
	"errors"
)

// Topics.
const (
	TopicEvents    = "events"
	TopicCallbacks = "provider.callbacks"
)

// ErrClosed is returned by a closed bus.
var ErrClosed = errors.New("event bus closed")

// Handler receives a published payload.
type Handler func(ctx context.Context, payload []byte)

// Bus publishes opaque payloads to topics.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers every later message on topic to h until ctx ends.
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close() error
}
