package eventbus

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestPartitionKeyFallback(t *testing.T) {
	env := NewEnvelope("notification.created", map[string]any{"notificationId": "n1", "id": "other"})
	if got := env.PartitionKey(); got != "n1" {
		t.Fatalf("notificationId should win, got %q", got)
	}

	env = NewEnvelope("notification.created", map[string]any{"id": "n2"})
	if got := env.PartitionKey(); got != "n2" {
		t.Fatalf("id fallback broken, got %q", got)
	}

	env = NewEnvelope("notification.created", map[string]any{"name": "no key"})
	if got := env.PartitionKey(); got != "" {
		t.Fatalf("expected empty key, got %q", got)
	}

	// Non-string ids must not satisfy the key requirement.
	env = NewEnvelope("notification.created", map[string]any{"notificationId": 42})
	if got := env.PartitionKey(); got != "" {
		t.Fatalf("numeric id must not be a partition key, got %q", got)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"channel.email.queued","data":{"notificationId":"n1"},"timestamp":"2026-08-26T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.Type != "channel.email.queued" || env.PartitionKey() != "n1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	if _, err := DecodeEnvelope([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("typeless envelope should not decode")
	}
	if _, err := DecodeEnvelope([]byte(`not json`)); err == nil {
		t.Fatal("garbage should not decode")
	}
}

func TestHeadersKafkaRoundTrip(t *testing.T) {
	h := Headers{
		HeaderCorrelationID: "corr-1",
		HeaderRetryCount:    "2",
	}
	back := headersFromKafka(h.kafka())
	if back[HeaderCorrelationID] != "corr-1" || back[HeaderRetryCount] != "2" {
		t.Fatalf("round trip lost values: %v", back)
	}

	if got := headersFromKafka([]kafka.Header{}); len(got) != 0 {
		t.Fatalf("expected empty headers, got %v", got)
	}
}

func TestRetryMetaDefaultsOnFirstDelivery(t *testing.T) {
	now := time.Now()
	meta := RetryMetaFromHeaders("channel.sms.queued", Headers{}, now)
	if meta.OriginalTopic != "channel.sms.queued" {
		t.Fatalf("original topic default broken: %q", meta.OriginalTopic)
	}
	if meta.RetryCount != 0 {
		t.Fatalf("retry count should default to 0, got %d", meta.RetryCount)
	}
	if !meta.FirstAttempt.Equal(now) {
		t.Fatalf("first attempt should default to now")
	}
}

func TestRetryMetaRoundTrip(t *testing.T) {
	first := time.UnixMilli(1700000000000)
	last := time.UnixMilli(1700000060000)
	h := Headers{}
	RetryMeta{
		OriginalTopic: "notification.created",
		RetryCount:    2,
		FirstAttempt:  first,
		LastAttempt:   last,
	}.Apply(h)

	if h[HeaderRetryCount] != "2" {
		t.Fatalf("retry count header: %q", h[HeaderRetryCount])
	}
	if h[HeaderFirstAttempt] != "1700000000000" {
		t.Fatalf("first attempt should be epoch millis, got %q", h[HeaderFirstAttempt])
	}

	meta := RetryMetaFromHeaders("consumed.topic", h, time.Now())
	if meta.OriginalTopic != "notification.created" {
		t.Fatalf("original topic must be stable across retries, got %q", meta.OriginalTopic)
	}
	if meta.RetryCount != 2 || !meta.FirstAttempt.Equal(first) || !meta.LastAttempt.Equal(last) {
		t.Fatalf("round trip mismatch: %+v", meta)
	}
}

func TestRetryMetaIgnoresGarbageHeaders(t *testing.T) {
	now := time.Now()
	meta := RetryMetaFromHeaders("t", Headers{
		HeaderRetryCount:   "-3",
		HeaderFirstAttempt: "not-a-number",
	}, now)
	if meta.RetryCount != 0 {
		t.Fatalf("negative count must be discarded, got %d", meta.RetryCount)
	}
	if !meta.FirstAttempt.Equal(now) {
		t.Fatal("unparseable first attempt must fall back to now")
	}
}
