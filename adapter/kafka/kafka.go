// Package kafka implements the relay bus on Kafka topics.
//
// Each relay topic maps to the Kafka topic TopicPrefix+topic. Messages are
// keyed by correlation key, so the hash balancer keeps one block's events
// on one partition and in order. Every subscription joins its own consumer
// group starting at the latest offset, so each subscriber sees every
// event published after it subscribed.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/justapithecus/afar/adapter"
	"github.com/justapithecus/afar/types"
)

// DefaultTopicPrefix is the default Kafka topic prefix.
const DefaultTopicPrefix = "afar.relay."

// Config configures the Kafka bus.
type Config struct {
	Brokers []string
	// TopicPrefix is prepended to every relay topic (default: afar.relay.).
	TopicPrefix string
	// GroupPrefix names subscriber consumer groups (default: afar-).
	GroupPrefix string
	// MaxWait bounds how long a fetch waits for new data (default 250ms).
	MaxWait time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// Bus carries relay events over Kafka.
type Bus struct {
	config    Config
	writer    messageWriter
	newReader func(topic, group string) messageReader

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// New builds a Bus from the provided configuration.
func New(cfg Config) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker must be provided")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "afar-"
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 250 * time.Millisecond
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		AllowAutoTopicCreation: true,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		BatchTimeout:           5 * time.Millisecond,
	}
	newReader := func(topic, group string) messageReader {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     group,
			StartOffset: kafkago.LastOffset,
			MinBytes:    1,
			MaxBytes:    10 * 1024 * 1024,
			MaxWait:     cfg.MaxWait,
		})
	}
	return newBus(cfg, writer, newReader), nil
}

func newBus(cfg Config, writer messageWriter, newReader func(topic, group string) messageReader) *Bus {
	return &Bus{
		config:    cfg,
		writer:    writer,
		newReader: newReader,
		subs:      make(map[*subscription]struct{}),
	}
}

// Topic returns the Kafka topic for a relay topic.
func (b *Bus) Topic(topic string) string {
	return b.config.TopicPrefix + topic
}

// Publish implements adapter.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, ev types.RelayEvent) error {
	payload, err := adapter.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	msg := kafkago.Message{
		Topic: b.Topic(topic),
		Key:   []byte(ev.Key),
		Value: payload,
		Time:  time.Now(),
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write message: %w", err)
	}
	return nil
}

// Subscribe implements adapter.Bus. Delivery runs on a background
// goroutine until the subscription is closed.
func (b *Bus) Subscribe(_ context.Context, topic string, handler adapter.Handler) (adapter.Subscription, error) {
	group := b.config.GroupPrefix + uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		bus:    b,
		reader: b.newReader(b.Topic(topic), group),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.loop(ctx, handler)
	return s, nil
}

// Close stops every subscription and closes the writer.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Close())
	}
	errs = append(errs, b.writer.Close())
	return errors.Join(errs...)
}

type subscription struct {
	bus    *Bus
	reader messageReader
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *subscription) loop(ctx context.Context, handler adapter.Handler) {
	defer close(s.done)
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		ev, err := adapter.DecodeEvent(msg.Value)
		if err != nil {
			continue
		}
		handler(ev)
	}
}

// Close implements adapter.Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.reader.Close()
		<-s.done
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return s.err
}

var _ adapter.Bus = (*Bus)(nil)
