// Package adapter defines the relay bus boundary.
//
// Workers publish relay events on a topic; clients subscribe once per
// executor and route events by correlation key. Adapters carry events as
// msgpack-encoded types.RelayEvent values.
package adapter

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/afar/types"
)

// Handler receives events in the order the bus delivers them.
type Handler func(types.RelayEvent)

// Subscription is an active subscription.
type Subscription interface {
	// Close stops delivery. Handlers may still be running when it returns.
	Close() error
}

// Bus publishes and subscribes to relay events.
type Bus interface {
	// Publish sends an event on topic.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, topic string, ev types.RelayEvent) error

	// Subscribe delivers events published on topic to handler until the
	// subscription or the bus is closed.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close releases bus resources.
	Close() error
}

// EncodeEvent returns the wire form of ev.
func EncodeEvent(ev types.RelayEvent) ([]byte, error) {
	b, err := msgpack.Marshal(&ev)
	if err != nil {
		return nil, fmt.Errorf("encode relay event: %w", err)
	}
	return b, nil
}

// DecodeEvent parses the wire form of an event.
func DecodeEvent(b []byte) (types.RelayEvent, error) {
	var ev types.RelayEvent
	if err := msgpack.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decode relay event: %w", err)
	}
	return ev, nil
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

// Close implements Subscription.
func (f SubscriptionFunc) Close() error { return f() }

// BlockEvent describes one dispatched block to a Notifier.
type BlockEvent struct {
	EventType  string   `json:"event_type"`
	SessionID  string   `json:"session_id,omitempty"`
	Key        string   `json:"key"`
	Location   string   `json:"location"`
	Executor   string   `json:"executor,omitempty"`
	Names      []string `json:"names"`
	Status     string   `json:"status"`
	Error      string   `json:"error,omitempty"`
	StartedAt  string   `json:"started_at"`
	DurationMs int64    `json:"duration_ms"`
}

// EventBlockDispatched is the EventType of every BlockEvent.
const EventBlockDispatched = "block_dispatched"

// Notifier is told about dispatched blocks after they are journaled.
type Notifier interface {
	Notify(ctx context.Context, ev *BlockEvent) error
	Close() error
}
