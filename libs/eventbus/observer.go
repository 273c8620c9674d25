package eventbus

// Observer receives pipeline events for metrics. One-way and expected
// to be non-blocking; the runtime calls it inline on the message path.
type Observer interface {
	MessageProduced(topic string)
	MessageConsumed(topic string)
	RetryScheduled(topic string, attempt int)
	DeadLettered(topic string)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) MessageProduced(string)     {}
func (NopObserver) MessageConsumed(string)     {}
func (NopObserver) RetryScheduled(string, int) {}
func (NopObserver) DeadLettered(string)        {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}
