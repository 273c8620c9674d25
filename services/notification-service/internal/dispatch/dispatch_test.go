package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/relaypoint/notifly/libs/eventbus"
)

type capturePublisher struct {
	topics    []string
	data      []map[string]any
	headers   []eventbus.Headers
	failWith  error
	failTopic string
}

func (p *capturePublisher) Publish(_ context.Context, topic string, env eventbus.Envelope, headers eventbus.Headers) error {
	if p.failWith != nil && (p.failTopic == "" || p.failTopic == topic) {
		return p.failWith
	}
	p.topics = append(p.topics, topic)
	p.data = append(p.data, env.Data)
	p.headers = append(p.headers, headers.Clone())
	return nil
}

func delivery(data map[string]any) eventbus.Delivery {
	return eventbus.Delivery{
		Topic:    "notification.created",
		Envelope: eventbus.NewEnvelope("notification.created", data),
	}
}

func TestFansOutOneEventPerChannel(t *testing.T) {
	pub := &capturePublisher{}
	d := New(slog.New(slog.DiscardHandler), pub)

	err := d.Handle(context.Background(), delivery(map[string]any{
		"notificationId": "n1",
		"channels":       []any{"email", "sms"},
		"recipient": map[string]any{
			"email": "a@example.com",
			"phone": "+15551234567",
		},
		"subject": "hi",
		"body":    "hello",
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	want := []string{"channel.email.queued", "channel.sms.queued"}
	if len(pub.topics) != len(want) {
		t.Fatalf("published to %v, want %v", pub.topics, want)
	}
	for i, topic := range want {
		if pub.topics[i] != topic {
			t.Fatalf("published to %v, want %v", pub.topics, want)
		}
		if pub.data[i]["notificationId"] != "n1" {
			t.Fatalf("payload not carried through to %s: %v", topic, pub.data[i])
		}
	}
}

func TestRedispatchKeepsChannelEventIDsStable(t *testing.T) {
	pub := &capturePublisher{
		failWith:  errors.New("kafka: connection refused"),
		failTopic: "channel.sms.queued",
	}
	d := New(slog.New(slog.DiscardHandler), pub)

	del := delivery(map[string]any{
		"notificationId": "n1",
		"channels":       []any{"email", "sms"},
		"recipient": map[string]any{
			"email": "a@example.com",
			"phone": "+15551234567",
		},
	})
	del.Headers = eventbus.Headers{eventbus.HeaderEventID: "ev-parent"}

	// First attempt publishes email, then fails on sms and is handed back
	// for retry. The retry re-runs the whole fan-out.
	if err := d.Handle(context.Background(), del); err == nil {
		t.Fatal("expected the sms publish failure")
	}
	pub.failWith = nil
	if err := d.Handle(context.Background(), del); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if len(pub.headers) != 3 {
		t.Fatalf("published %v, want email, email, sms", pub.topics)
	}
	first := pub.headers[0][eventbus.HeaderEventID]
	second := pub.headers[1][eventbus.HeaderEventID]
	if first == "" || first != second {
		t.Fatalf("email republished under a new id: %q then %q", first, second)
	}
	if want := "ev-parent:email"; first != want {
		t.Fatalf("email event id %q, want %q", first, want)
	}
	if sms := pub.headers[2][eventbus.HeaderEventID]; sms != "ev-parent:sms" {
		t.Fatalf("sms event id %q, want %q", sms, "ev-parent:sms")
	}
}

func TestNoChannelsIsTerminal(t *testing.T) {
	pub := &capturePublisher{}
	d := New(slog.New(slog.DiscardHandler), pub)

	err := d.Handle(context.Background(), delivery(map[string]any{
		"notificationId": "n1",
		"channels":       []any{},
	}))
	if err == nil {
		t.Fatal("expected an error")
	}
	if cls := eventbus.Classify(err); cls.Retryable || cls.Kind != "ValidationError" {
		t.Fatalf("classification %+v, want terminal ValidationError", cls)
	}
	if len(pub.topics) != 0 {
		t.Fatalf("nothing should publish, got %v", pub.topics)
	}
}

func TestUnknownChannelIsTerminal(t *testing.T) {
	pub := &capturePublisher{}
	d := New(slog.New(slog.DiscardHandler), pub)

	err := d.Handle(context.Background(), delivery(map[string]any{
		"channels":  []any{"email", "carrier-pigeon"},
		"recipient": map[string]any{"email": "a@example.com"},
	}))
	if err == nil {
		t.Fatal("expected an error")
	}
	if cls := eventbus.Classify(err); cls.Retryable {
		t.Fatalf("unknown channel must not be retried: %+v", cls)
	}
	// Validation happens before any publish, so a bad channel in the
	// middle of the list does not leave partial fan-out behind.
	if len(pub.topics) != 0 {
		t.Fatalf("partial fan-out: %v", pub.topics)
	}
}

func TestMissingRecipientAddressIsTerminal(t *testing.T) {
	pub := &capturePublisher{}
	d := New(slog.New(slog.DiscardHandler), pub)

	err := d.Handle(context.Background(), delivery(map[string]any{
		"channels":  []any{"sms"},
		"recipient": map[string]any{"email": "a@example.com"},
	}))
	if err == nil {
		t.Fatal("expected an error")
	}
	if cls := eventbus.Classify(err); cls.Retryable || cls.Kind != "ValidationError" {
		t.Fatalf("classification %+v", cls)
	}
}

func TestPublishFailureIsReturnedForRetry(t *testing.T) {
	transportErr := errors.New("kafka: connection refused")
	pub := &capturePublisher{failWith: transportErr}
	d := New(slog.New(slog.DiscardHandler), pub)

	err := d.Handle(context.Background(), delivery(map[string]any{
		"channels":  []any{"email"},
		"recipient": map[string]any{"email": "a@example.com"},
	}))
	if !errors.Is(err, transportErr) {
		t.Fatalf("got %v", err)
	}
	if cls := eventbus.Classify(err); !cls.Retryable {
		t.Fatalf("transport failures must be retryable: %+v", cls)
	}
}

func TestAddressFor(t *testing.T) {
	recipient := map[string]any{
		"email":       "a@example.com",
		"phone":       "+15551234567",
		"deviceToken": "tok",
		"userId":      "u1",
	}
	cases := map[string]string{
		"email": "a@example.com",
		"sms":   "+15551234567",
		"push":  "tok",
		"inapp": "u1",
		"fax":   "",
	}
	for channel, want := range cases {
		if got := AddressFor(channel, recipient); got != want {
			t.Errorf("AddressFor(%q) = %q, want %q", channel, got, want)
		}
	}
}
