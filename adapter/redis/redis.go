// Package redis implements the relay bus on Redis pub/sub.
//
// Each relay topic maps to the channel Prefix+topic. Events are published
// as msgpack; publishes retry with exponential backoff on errors.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/justapithecus/afar/adapter"
	"github.com/justapithecus/afar/types"
)

// DefaultPrefix is the default channel prefix.
const DefaultPrefix = "afar:relay:"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the Redis bus.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Prefix is prepended to every topic (default: afar:relay:).
	Prefix string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// Bus carries relay events over Redis PUBLISH/SUBSCRIBE.
type Bus struct {
	config Config
	client *goredis.Client

	mu   sync.Mutex
	subs map[*goredis.PubSub]struct{}
}

// New creates a Redis bus from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Bus, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis bus requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis bus: invalid URL: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Bus{
		config: cfg,
		client: goredis.NewClient(opts),
		subs:   make(map[*goredis.PubSub]struct{}),
	}, nil
}

// Channel returns the Redis channel for a relay topic.
func (b *Bus) Channel(topic string) string {
	return b.config.Prefix + topic
}

// Publish sends the event to the topic's channel.
// Retries with exponential backoff on failures.
func (b *Bus) Publish(ctx context.Context, topic string, ev types.RelayEvent) error {
	body, err := adapter.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	var lastErr error
	// attempts = 1 initial + retries
	attempts := 1 + b.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}

		// Exponential backoff before retries (not before first attempt)
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
		lastErr = b.client.Publish(publishCtx, b.Channel(topic), body).Err()
		cancel()

		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

// Subscribe delivers events from the topic's channel on a background
// goroutine. It returns once Redis has confirmed the subscription.
// Messages that fail to decode are skipped.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler adapter.Handler) (adapter.Subscription, error) {
	ps := b.client.Subscribe(ctx, b.Channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			ev, err := adapter.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				continue
			}
			handler(ev)
		}
	}()

	return adapter.SubscriptionFunc(func() error {
		b.mu.Lock()
		delete(b.subs, ps)
		b.mu.Unlock()
		err := ps.Close()
		<-done
		return err
	}), nil
}

// Close closes open subscriptions and the client.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*goredis.PubSub]struct{})
	b.mu.Unlock()

	var errs []error
	for ps := range subs {
		errs = append(errs, ps.Close())
	}
	errs = append(errs, b.client.Close())
	return errors.Join(errs...)
}

// Verify Bus implements the adapter interface.
var _ adapter.Bus = (*Bus)(nil)
