package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"
)

// Delivery is one consumed message handed to a Handler.
type Delivery struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Envelope  Envelope
	Headers   Headers
}

// Handler processes one delivery. Returning nil acknowledges the
// message; returning an error hands the outcome to the Coordinator.
type Handler func(ctx context.Context, d Delivery) error

// RetryPolicy tunes the retry/dead-letter coordinator.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps a single backoff sleep.
	MaxDelay  time.Duration
	DLQSuffix string
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	if p.DLQSuffix == "" {
		p.DLQSuffix = ".dlq"
	}
	return p
}

// Coordinator wraps a consumer's handler. Every handler failure ends in
// either a backoff-and-republish to the original topic or a publish to
// the dead-letter topic; nothing escapes into the consumer loop except
// transport failures of those publishes, which leave the message
// unacknowledged for broker-level redelivery.
type Coordinator struct {
	policy   RetryPolicy
	pub      topicPublisher
	logger   *slog.Logger
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(logger *slog.Logger, observer Observer, pub *Publisher, policy RetryPolicy) *Coordinator {
	return newCoordinator(logger, observer, pub, policy)
}

func newCoordinator(logger *slog.Logger, observer Observer, pub topicPublisher, policy RetryPolicy) *Coordinator {
	return &Coordinator{
		policy:   policy.withDefaults(),
		pub:      pub,
		logger:   logger,
		observer: observerOrNop(observer),
		sleep:    sleepContext,
	}
}

// Backoff computes the delay before retry attempt n (0-based):
// min(base * 2^n + jitter, cap) with jitter uniform in
// [0, 0.3 * base * 2^n).
func (c *Coordinator) Backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	exp := c.policy.BaseDelay << uint(attempt)
	if exp <= 0 || exp > c.policy.MaxDelay {
		return c.policy.MaxDelay
	}
	delay := exp
	if maxJitter := int64(float64(exp) * 0.3); maxJitter > 0 {
		delay += time.Duration(rand.Int63n(maxJitter))
	}
	if delay > c.policy.MaxDelay {
		return c.policy.MaxDelay
	}
	return delay
}

// Handle runs the handler for d and resolves any failure. The returned
// error is nil when the message may be acknowledged; a non-nil return
// means a retry or dead-letter publish failed and the message must stay
// unacknowledged.
func (c *Coordinator) Handle(ctx context.Context, handler Handler, d Delivery) error {
	err := c.invoke(ctx, handler, d)
	if err == nil {
		return nil
	}

	now := time.Now()
	meta := RetryMetaFromHeaders(d.Topic, d.Headers, now)
	cls := Classify(err)

	if cls.Retryable && meta.RetryCount < c.policy.MaxRetries {
		delay := c.Backoff(meta.RetryCount)
		c.logger.Warn("handler failed, retrying",
			"topic", meta.OriginalTopic,
			"key", string(d.Key),
			"retry_count", meta.RetryCount,
			"delay_ms", delay.Milliseconds(),
			"error_type", cls.Kind,
			"err", err,
		)
		if serr := c.sleep(ctx, delay); serr != nil {
			return serr
		}

		headers := d.Headers.Clone()
		meta.RetryCount++
		meta.LastAttempt = time.Now()
		meta.Apply(headers)
		// Retries travel through the normal topic, not a side channel.
		// A retried envelope can therefore be overtaken by newer
		// envelopes for the same key: per-key ordering holds only until
		// the first retry.
		if perr := c.pub.Publish(ctx, meta.OriginalTopic, d.Envelope, headers); perr != nil {
			c.logger.Error("retry publish failed, leaving message unacknowledged", "topic", meta.OriginalTopic, "err", perr)
			return perr
		}
		c.observer.RetryScheduled(meta.OriginalTopic, meta.RetryCount)
		return nil
	}

	return c.deadLetter(ctx, d, meta, err, cls)
}

// DeadLetterRaw routes an undecodable message body straight to the
// dead-letter topic, preserving the original key bytes.
func (c *Coordinator) DeadLetterRaw(ctx context.Context, topic string, key []byte, value []byte, headers Headers, cause error) error {
	now := time.Now()
	meta := RetryMetaFromHeaders(topic, headers, now)
	h := headers.Clone()
	meta.LastAttempt = now
	meta.Apply(h)
	stampFailure(h, cause.Error(), "EnvelopeDecodeError", now)

	dlqTopic := meta.OriginalTopic + c.policy.DLQSuffix
	if err := c.pub.publishRaw(ctx, dlqTopic, key, value, h); err != nil {
		c.logger.Error("dead-letter publish failed, leaving message unacknowledged", "topic", dlqTopic, "err", err)
		return err
	}
	c.observer.DeadLettered(meta.OriginalTopic)
	c.logger.Error("undecodable message dead-lettered", "topic", meta.OriginalTopic, "dlq_topic", dlqTopic, "err", cause)
	return nil
}

func (c *Coordinator) deadLetter(ctx context.Context, d Delivery, meta RetryMeta, cause error, cls Classification) error {
	now := time.Now()
	headers := d.Headers.Clone()
	meta.LastAttempt = now
	meta.Apply(headers)
	stampFailure(headers, cause.Error(), cls.Kind, now)

	dlqTopic := meta.OriginalTopic + c.policy.DLQSuffix
	if err := c.pub.Publish(ctx, dlqTopic, d.Envelope, headers); err != nil {
		c.logger.Error("dead-letter publish failed, leaving message unacknowledged", "topic", dlqTopic, "err", err)
		return err
	}
	c.observer.DeadLettered(meta.OriginalTopic)
	c.logger.Error("message dead-lettered",
		"topic", meta.OriginalTopic,
		"dlq_topic", dlqTopic,
		"key", string(d.Key),
		"retry_count", meta.RetryCount,
		"error_type", cls.Kind,
		"err", cause,
	)
	return nil
}

// invoke shields the consumer loop from handler panics; a panic is
// handled like any other failure.
func (c *Coordinator) invoke(ctx context.Context, handler Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, d)
}

func stampFailure(h Headers, message string, kind string, now time.Time) {
	h[HeaderErrorMessage] = message
	h[HeaderErrorType] = kind
	h[HeaderDLQTimestamp] = strconv.FormatInt(now.UnixMilli(), 10)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
