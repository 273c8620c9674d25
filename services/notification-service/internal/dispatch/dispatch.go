// Package dispatch fans a created notification out to one queued event
// per requested channel.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relaypoint/notifly/libs/eventbus"
)

// Channels this deployment can deliver on.
var knownChannels = map[string]bool{
	"email": true,
	"sms":   true,
	"push":  true,
	"inapp": true,
}

// TopicFor returns the queued-event topic for a channel.
func TopicFor(channel string) string {
	return "channel." + channel + ".queued"
}

type Dispatcher struct {
	pub    eventbus.EventPublisher
	logger *slog.Logger
}

func New(logger *slog.Logger, pub eventbus.EventPublisher) *Dispatcher {
	return &Dispatcher{pub: pub, logger: logger}
}

// Handle consumes notification.created. Bad requests are terminal: a
// notification with no valid channel will never dispatch, no matter how
// often it is retried.
func (d *Dispatcher) Handle(ctx context.Context, del eventbus.Delivery) error {
	channels := stringSlice(del.Envelope.Data["channels"])
	if len(channels) == 0 {
		return eventbus.Terminal("ValidationError", fmt.Errorf("notification has no channels"))
	}

	recipient, _ := del.Envelope.Data["recipient"].(map[string]any)
	for _, ch := range channels {
		if !knownChannels[ch] {
			return eventbus.Terminal("ValidationError", fmt.Errorf("unknown channel %q", ch))
		}
		if addressFor(ch, recipient) == "" {
			return eventbus.Terminal("ValidationError", fmt.Errorf("no recipient address for channel %q", ch))
		}
	}

	// Channel event ids derive from the parent event id, so a re-dispatch
	// after a partial fan-out failure republishes already-sent channels
	// under the SAME id and the sender group's inbox drops them.
	parentID := del.Headers[eventbus.HeaderEventID]
	if parentID == "" {
		parentID = del.Envelope.PartitionKey()
	}

	for _, ch := range channels {
		topic := TopicFor(ch)
		env := eventbus.NewEnvelope(topic, del.Envelope.Data)
		headers := eventbus.Headers{eventbus.HeaderEventID: parentID + ":" + ch}
		if err := d.pub.Publish(ctx, topic, env, headers); err != nil {
			return err
		}
		d.logger.Info("channel dispatched",
			"notification_id", del.Envelope.PartitionKey(),
			"channel", ch,
			"topic", topic,
		)
	}
	return nil
}

// AddressFor returns the recipient address a channel delivers to.
func AddressFor(channel string, recipient map[string]any) string {
	return addressFor(channel, recipient)
}

func addressFor(channel string, recipient map[string]any) string {
	var key string
	switch channel {
	case "email":
		key = "email"
	case "sms":
		key = "phone"
	case "push":
		key = "deviceToken"
	case "inapp":
		key = "userId"
	default:
		return ""
	}
	v, _ := recipient[key].(string)
	return v
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
