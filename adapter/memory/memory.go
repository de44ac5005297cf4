// Package memory implements an in-process relay bus.
//
// Publish delivers synchronously on the caller's goroutine, so events on
// one topic arrive in publish order.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/justapithecus/afar/adapter"
	"github.com/justapithecus/afar/types"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("memory bus closed")

// Bus is an in-process adapter.Bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]adapter.Handler
	next   int
	closed bool
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]adapter.Handler)}
}

// Publish implements adapter.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, ev types.RelayEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	ids := make([]int, 0, len(b.subs[topic]))
	for id := range b.subs[topic] {
		ids = append(ids, id)
	}
	handlers := make([]adapter.Handler, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, b.subs[topic][id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// Subscribe implements adapter.Bus.
func (b *Bus) Subscribe(_ context.Context, topic string, handler adapter.Handler) (adapter.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]adapter.Handler)
	}
	id := b.next
	b.next++
	b.subs[topic][id] = handler

	return adapter.SubscriptionFunc(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
		return nil
	}), nil
}

// Subscribers returns the number of subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close implements adapter.Bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[int]adapter.Handler)
	return nil
}

var _ adapter.Bus = (*Bus)(nil)
