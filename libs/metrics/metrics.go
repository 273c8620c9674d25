// Package metrics is the Prometheus implementation of the pipeline's
// observability hooks: message produced/consumed/retry/dead-letter
// counters and circuit breaker state and outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaypoint/notifly/libs/breaker"
)

// Recorder implements eventbus.Observer and breaker.Observer. All
// methods are plain counter/gauge updates and never block.
type Recorder struct {
	produced     *prometheus.CounterVec
	consumed     *prometheus.CounterVec
	retries      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerOutcomes    *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notifly",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func NewRecorder(registerer prometheus.Registerer) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		produced:     newCounterVec("eventbus", "messages_produced_total", "Messages published per topic", []string{"topic"}),
		consumed:     newCounterVec("eventbus", "messages_consumed_total", "Messages consumed per topic", []string{"topic"}),
		retries:      newCounterVec("eventbus", "retries_total", "Retry re-publishes per original topic", []string{"topic"}),
		deadLettered: newCounterVec("eventbus", "dead_lettered_total", "Messages routed to the dead-letter topic per original topic", []string{"topic"}),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "notifly",
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"name"},
		),
		breakerTransitions: newCounterVec("breaker", "transitions_total", "Circuit breaker state transitions", []string{"name", "from", "to"}),
		breakerOutcomes:    newCounterVec("breaker", "calls_total", "Guarded call outcomes", []string{"name", "outcome"}),
	}
	registerer.MustRegister(
		r.produced,
		r.consumed,
		r.retries,
		r.deadLettered,
		r.breakerState,
		r.breakerTransitions,
		r.breakerOutcomes,
	)
	return r
}

func (r *Recorder) MessageProduced(topic string) {
	r.produced.WithLabelValues(topic).Inc()
}

func (r *Recorder) MessageConsumed(topic string) {
	r.consumed.WithLabelValues(topic).Inc()
}

func (r *Recorder) RetryScheduled(topic string, _ int) {
	r.retries.WithLabelValues(topic).Inc()
}

func (r *Recorder) DeadLettered(topic string) {
	r.deadLettered.WithLabelValues(topic).Inc()
}

func (r *Recorder) BreakerStateChanged(name string, from breaker.State, to breaker.State) {
	r.breakerState.WithLabelValues(name).Set(float64(to))
	r.breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

func (r *Recorder) BreakerCallEnded(name string, outcome breaker.Outcome) {
	r.breakerOutcomes.WithLabelValues(name, string(outcome)).Inc()
}

// Handler exposes the default registry for the service mux.
func Handler() http.Handler {
	return promhttp.Handler()
}
