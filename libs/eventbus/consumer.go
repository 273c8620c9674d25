package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaypoint/notifly/libs/ctxmeta"
	"github.com/relaypoint/notifly/libs/kafkax"
)

// Inbox deduplicates deliveries. Seen returns true when the key was
// already processed. Retries of the same envelope carry a bumped retry
// count, so the dedupe key includes it and retries are never dropped.
type Inbox interface {
	Seen(ctx context.Context, key string) (bool, error)
}

// fetcher is the slice of *kafka.Reader the runtime needs.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	// Brokers is a comma-separated broker list.
	Brokers string
	// GroupID names the consumer group; the broker assigns each
	// partition to exactly one group member at a time.
	GroupID string
	Topics  []string
	// QueueDepth bounds each partition worker's backlog.
	QueueDepth int
	// RedeliverPause separates reattempts after a failed retry/DLQ
	// publish.
	RedeliverPause time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 16
	}
	if c.RedeliverPause <= 0 {
		c.RedeliverPause = 2 * time.Second
	}
	return c
}

// Consumer subscribes one group to one or more topics and drives the
// Coordinator per message. One worker goroutine per assigned partition:
// strictly sequential within a partition (message N+1 waits for message
// N's handler, backoff sleep included), concurrent across partitions.
type Consumer struct {
	reader   fetcher
	coord    *Coordinator
	handler  Handler
	inbox    Inbox
	logger   *slog.Logger
	observer Observer
	cfg      ConsumerConfig
}

// NewConsumer builds a group consumer. coord may be nil for plain
// at-least-once consumption without retry/DLQ semantics (dead-letter
// tooling consumes its own input that way). inbox may be nil to skip
// dedupe.
func NewConsumer(logger *slog.Logger, observer Observer, inbox Inbox, coord *Coordinator, cfg ConsumerConfig, handler Handler) *Consumer {
	cfg = cfg.withDefaults()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:               kafkax.SplitBrokers(cfg.Brokers),
		GroupID:               cfg.GroupID,
		GroupTopics:           cfg.Topics,
		MinBytes:              1,
		MaxBytes:              10e6,
		MaxWait:               500 * time.Millisecond,
		CommitInterval:        0, // manual commit
		ReadLagInterval:       -1,
		WatchPartitionChanges: true,
	})
	return &Consumer{
		reader:   reader,
		coord:    coord,
		handler:  handler,
		inbox:    inbox,
		logger:   logger,
		observer: observerOrNop(observer),
		cfg:      cfg,
	}
}

type partitionID struct {
	topic     string
	partition int
}

// Run fetches messages and dispatches each to its partition's worker
// until ctx is cancelled. The reader's consumer-group session heartbeats
// in the background, so a worker blocked in a backoff sleep does not get
// the member evicted from the group.
func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	var wg sync.WaitGroup
	workers := make(map[partitionID]chan kafka.Message)
	defer func() {
		for _, ch := range workers {
			close(ch)
		}
		wg.Wait()
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka fetch error", "err", err)
			if sleepContext(ctx, time.Second) != nil {
				return
			}
			continue
		}

		id := partitionID{topic: msg.Topic, partition: msg.Partition}
		ch, ok := workers[id]
		if !ok {
			ch = make(chan kafka.Message, c.cfg.QueueDepth)
			workers[id] = ch
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.worker(ctx, ch)
			}()
		}

		select {
		case <-ctx.Done():
			return
		case ch <- msg:
		}
	}
}

// worker drains one partition in log order. A failed retry/DLQ publish
// keeps the message unacknowledged: the worker reattempts the same
// message after a pause rather than advancing past it, since committing
// a later offset would silently acknowledge the stuck one.
func (c *Consumer) worker(ctx context.Context, ch <-chan kafka.Message) {
	for msg := range ch {
		for {
			err := c.process(ctx, msg)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("message processing will be reattempted",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"err", err,
			)
			if sleepContext(ctx, c.cfg.RedeliverPause) != nil {
				return
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	mctx := kafkax.ExtractTraceContext(ctx, msg)
	mctx, span := otel.Tracer("eventbus").Start(mctx, "eventbus.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
		),
	)
	defer span.End()

	headers := headersFromKafka(msg.Headers)
	mctx = ctxmeta.With(mctx, ctxmeta.Meta{
		CorrelationID: headers[HeaderCorrelationID],
		RequestID:     headers[HeaderRequestID],
		UserID:        headers[HeaderUserID],
	})
	c.observer.MessageConsumed(msg.Topic)

	env, err := DecodeEnvelope(msg.Value)
	if err != nil {
		if c.coord == nil {
			c.logger.Error("dropping undecodable message", "topic", msg.Topic, "offset", msg.Offset, "err", err)
			return c.commit(ctx, msg)
		}
		if dlqErr := c.coord.DeadLetterRaw(mctx, msg.Topic, msg.Key, msg.Value, headers, err); dlqErr != nil {
			span.RecordError(dlqErr)
			return dlqErr
		}
		return c.commit(ctx, msg)
	}

	if c.inbox != nil {
		if key := dedupeKey(headers); key != "" {
			dup, ierr := c.inbox.Seen(mctx, key)
			if ierr != nil {
				// Dedupe store trouble fails open; at-least-once wins.
				c.logger.Warn("inbox check failed, processing anyway", "err", ierr)
			} else if dup {
				c.logger.Info("duplicate delivery ignored", "topic", msg.Topic, "dedupe_key", key)
				return c.commit(ctx, msg)
			}
		}
	}

	d := Delivery{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Envelope:  env,
		Headers:   headers,
	}

	if c.coord != nil {
		if err := c.coord.Handle(mctx, c.handler, d); err != nil {
			span.RecordError(err)
			return err
		}
	} else {
		if err := c.handler(mctx, d); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return c.commit(ctx, msg)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit offset %d on %s[%d]: %w", msg.Offset, msg.Topic, msg.Partition, err)
	}
	return nil
}

func dedupeKey(h Headers) string {
	eventID := h[HeaderEventID]
	if eventID == "" {
		return ""
	}
	count := h[HeaderRetryCount]
	if count == "" {
		count = "0"
	}
	return eventID + ":" + count
}
