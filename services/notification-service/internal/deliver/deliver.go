// Package deliver consumes the per-channel queued topics and makes the
// outbound provider call, guarded by that provider's circuit breaker.
package deliver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/relaypoint/notifly/libs/breaker"
	"github.com/relaypoint/notifly/libs/eventbus"
	"github.com/relaypoint/notifly/services/notification-service/internal/dispatch"
	"github.com/relaypoint/notifly/services/notification-service/internal/email"
	"github.com/relaypoint/notifly/services/notification-service/internal/push"
	"github.com/relaypoint/notifly/services/notification-service/internal/sms"
)

// Breaker names, one per outbound dependency.
const (
	BreakerEmail = "email-smtp"
	BreakerSMS   = "sms-webhook"
	BreakerPush  = "push-webhook"
)

// InAppTopic receives ready in-app messages for the feed service.
const InAppTopic = "notification.inapp.ready"

type Senders struct {
	Email email.Sender
	SMS   sms.Sender
	Push  push.Sender
}

type Handler struct {
	senders  Senders
	breakers *breaker.Registry
	pub      eventbus.EventPublisher
	logger   *slog.Logger
}

func New(logger *slog.Logger, breakers *breaker.Registry, pub eventbus.EventPublisher, senders Senders) *Handler {
	return &Handler{
		senders:  senders,
		breakers: breakers,
		pub:      pub,
		logger:   logger,
	}
}

// Handle consumes channel.<ch>.queued. Provider calls run under the
// channel's breaker; an open circuit surfaces as a retryable failure so
// the coordinator backs off while the provider recovers.
func (h *Handler) Handle(ctx context.Context, del eventbus.Delivery) error {
	channel := channelFromTopic(del.Topic)
	if channel == "" {
		return eventbus.Terminal("ValidationError", fmt.Errorf("cannot derive channel from topic %q", del.Topic))
	}

	data := del.Envelope.Data
	recipient, _ := data["recipient"].(map[string]any)
	address := dispatch.AddressFor(channel, recipient)
	if address == "" {
		return eventbus.Terminal("ValidationError", fmt.Errorf("no recipient address for channel %q", channel))
	}
	subject, _ := data["subject"].(string)
	body, _ := data["body"].(string)

	var err error
	switch channel {
	case "email":
		err = h.breakers.Get(BreakerEmail).Do(ctx, func(ctx context.Context) error {
			return nonCounting(h.senders.Email.Send(address, subject, body))
		})
	case "sms":
		err = h.breakers.Get(BreakerSMS).Do(ctx, func(ctx context.Context) error {
			return nonCounting(h.senders.SMS.Send(ctx, address, body))
		})
	case "push":
		err = h.breakers.Get(BreakerPush).Do(ctx, func(ctx context.Context) error {
			return nonCounting(h.senders.Push.Send(ctx, address, subject, body))
		})
	case "inapp":
		// No outbound provider; hand the message to the feed topic.
		err = h.pub.Publish(ctx, InAppTopic, eventbus.NewEnvelope(InAppTopic, data), nil)
	default:
		return eventbus.Terminal("ValidationError", fmt.Errorf("unsupported channel %q", channel))
	}
	if err != nil {
		return err
	}

	h.logger.Info("notification delivered",
		"notification_id", del.Envelope.PartitionKey(),
		"channel", channel,
	)
	return nil
}

// nonCounting keeps terminal provider rejections out of the breaker's
// failure window. A 4xx for a bad recipient or a misconfigured URL says
// nothing about provider health; only retryable failures should be able
// to trip the circuit. The original error still reaches the caller.
func nonCounting(err error) error {
	if err == nil {
		return nil
	}
	if cls := eventbus.Classify(err); !cls.Retryable {
		return breaker.Ignore(err)
	}
	return err
}

// channelFromTopic extracts <ch> from "channel.<ch>.queued".
func channelFromTopic(topic string) string {
	parts := strings.Split(topic, ".")
	if len(parts) != 3 || parts[0] != "channel" || parts[2] != "queued" {
		return ""
	}
	return parts[1]
}
