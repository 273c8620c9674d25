// Package eventbus is the event delivery core: the envelope wire
// format, the ordering-keyed publisher, retry/dead-letter coordination
// and the consumer-group runtime, all over a Kafka-compatible log.
package eventbus

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Broker message header keys. The x-* keys carry retry and dead-letter
// metadata; the rest are propagated opaquely for correlation.
const (
	HeaderEventID       = "event_id"
	HeaderCorrelationID = "correlationId"
	HeaderRequestID     = "requestId"
	HeaderUserID        = "userId"

	HeaderOriginalTopic = "x-original-topic"
	HeaderRetryCount    = "x-retry-count"
	HeaderFirstAttempt  = "x-first-attempt"
	HeaderLastAttempt   = "x-last-attempt"
	HeaderErrorMessage  = "x-error-message"
	HeaderErrorType     = "x-error-type"
	HeaderDLQTimestamp  = "x-dlq-timestamp"
)

// Envelope is the immutable unit of work moved through the pipeline.
// Retries never mutate an envelope; they publish a copy with updated
// header metadata.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(eventType string, data map[string]any) Envelope {
	return Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// PartitionKey returns data.notificationId, falling back to data.id.
// Empty keys are rejected at publish time because all envelopes for one
// notification must land in one partition.
func (e Envelope) PartitionKey() string {
	if id, ok := e.Data["notificationId"].(string); ok && id != "" {
		return id
	}
	if id, ok := e.Data["id"].(string); ok && id != "" {
		return id
	}
	return ""
}

// DecodeEnvelope parses the JSON wire form of an envelope.
func DecodeEnvelope(value []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, errors.New("envelope missing type")
	}
	return env, nil
}

// Headers is the mutable header bag attached to a broker message.
type Headers map[string]string

func (h Headers) Clone() Headers {
	out := make(Headers, len(h)+4)
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (h Headers) kafka() []kafka.Header {
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func headersFromKafka(headers []kafka.Header) Headers {
	out := make(Headers, len(headers))
	for _, hdr := range headers {
		out[hdr.Key] = string(hdr.Value)
	}
	return out
}

// RetryMeta is the retry bookkeeping carried in the header bag.
type RetryMeta struct {
	OriginalTopic string
	RetryCount    int
	FirstAttempt  time.Time
	LastAttempt   time.Time
}

// RetryMetaFromHeaders extracts retry metadata, applying first-delivery
// defaults: count 0, firstAttempt now, originalTopic = consumed topic.
func RetryMetaFromHeaders(topic string, h Headers, now time.Time) RetryMeta {
	meta := RetryMeta{
		OriginalTopic: topic,
		FirstAttempt:  now,
		LastAttempt:   now,
	}
	if v := h[HeaderOriginalTopic]; v != "" {
		meta.OriginalTopic = v
	}
	if v := h[HeaderRetryCount]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			meta.RetryCount = n
		}
	}
	if t, ok := epochMillis(h[HeaderFirstAttempt]); ok {
		meta.FirstAttempt = t
	}
	if t, ok := epochMillis(h[HeaderLastAttempt]); ok {
		meta.LastAttempt = t
	}
	return meta
}

// Apply writes the retry metadata back into the header bag.
func (m RetryMeta) Apply(h Headers) {
	h[HeaderOriginalTopic] = m.OriginalTopic
	h[HeaderRetryCount] = strconv.Itoa(m.RetryCount)
	h[HeaderFirstAttempt] = strconv.FormatInt(m.FirstAttempt.UnixMilli(), 10)
	h[HeaderLastAttempt] = strconv.FormatInt(m.LastAttempt.UnixMilli(), 10)
}

func epochMillis(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
