package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/relaypoint/notifly/libs/breaker"
	"github.com/relaypoint/notifly/libs/ctxmeta"
	"github.com/relaypoint/notifly/libs/kafkax"
)

var (
	ErrEmptyTopic          = errors.New("eventbus: topic must not be empty")
	ErrMissingPartitionKey = errors.New("eventbus: envelope has no notificationId or id partition key")
)

// EventPublisher is the publish entry point the rest of the system
// uses. *Publisher and *GuardedPublisher both satisfy it.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, env Envelope, headers Headers) error
}

// topicPublisher is what the coordinator and consumer need internally:
// the normal envelope path plus a raw path for undecodable payloads.
type topicPublisher interface {
	EventPublisher
	publishRaw(ctx context.Context, topic string, key []byte, value []byte, headers Headers) error
}

type PublisherConfig struct {
	// Brokers is a comma-separated broker list.
	Brokers string
}

// Publisher appends envelopes to named topics, keyed for per-key
// ordering. It performs no retries of its own; transport errors
// propagate and retry policy lives with the Coordinator.
type Publisher struct {
	writer   *kafka.Writer
	logger   *slog.Logger
	observer Observer
}

func NewPublisher(logger *slog.Logger, observer Observer, cfg PublisherConfig) *Publisher {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      kafkax.SplitBrokers(cfg.Brokers),
		Balancer:     &kafka.Hash{},
		RequiredAcks: int(kafka.RequireAll),
		Async:        false,
	})
	return &Publisher{
		writer:   writer,
		logger:   logger,
		observer: observerOrNop(observer),
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Publish appends one envelope to topic. The message key is the
// envelope's partition key, so every envelope for the same notification
// lands in the same partition. Empty topics and empty keys are rejected
// before the transport is touched.
func (p *Publisher) Publish(ctx context.Context, topic string, env Envelope, headers Headers) error {
	if strings.TrimSpace(topic) == "" {
		return ErrEmptyTopic
	}
	key := env.PartitionKey()
	if key == "" {
		return ErrMissingPartitionKey
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return p.publishRaw(ctx, topic, []byte(key), value, headers)
}

// publishRaw writes pre-encoded bytes, keeping the original key. Used
// for dead-lettering payloads that never decoded into an envelope.
func (p *Publisher) publishRaw(ctx context.Context, topic string, key []byte, value []byte, headers Headers) error {
	h := headers.Clone()
	if h[HeaderEventID] == "" {
		h[HeaderEventID] = uuid.NewString()
	}
	stampCorrelation(ctx, h)

	kafkaHeaders := kafkax.InjectTraceHeaders(ctx, h.kafka())
	msg := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: kafkaHeaders,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.observer.MessageProduced(topic)
	return nil
}

// stampCorrelation copies ctxmeta values into the header bag unless the
// caller already set them.
func stampCorrelation(ctx context.Context, h Headers) {
	meta := ctxmeta.From(ctx)
	if h[HeaderCorrelationID] == "" && meta.CorrelationID != "" {
		h[HeaderCorrelationID] = meta.CorrelationID
	}
	if h[HeaderRequestID] == "" && meta.RequestID != "" {
		h[HeaderRequestID] = meta.RequestID
	}
	if h[HeaderUserID] == "" && meta.UserID != "" {
		h[HeaderUserID] = meta.UserID
	}
}

// GuardedPublisher routes Publish through a circuit breaker, so a sick
// broker fails fast instead of stacking up blocked producers.
type GuardedPublisher struct {
	inner   EventPublisher
	breaker *breaker.Breaker
}

func NewGuardedPublisher(inner EventPublisher, b *breaker.Breaker) *GuardedPublisher {
	return &GuardedPublisher{inner: inner, breaker: b}
}

func (g *GuardedPublisher) Publish(ctx context.Context, topic string, env Envelope, headers Headers) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		err := g.inner.Publish(ctx, topic, env, headers)
		if errors.Is(err, ErrEmptyTopic) || errors.Is(err, ErrMissingPartitionKey) {
			// Caller input, not broker health.
			return breaker.Ignore(err)
		}
		return err
	})
}
