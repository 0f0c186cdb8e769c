// ABOUTME: Prometheus collectors for the orchestrator pipeline
// ABOUTME: Implements the observer hooks of the ledger, resolver, sweeper, backend and senders

package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordydydy/semaphore-remove/internal/channel"
	"github.com/jordydydy/semaphore-remove/internal/conversation"
	"github.com/jordydydy/semaphore-remove/internal/dedupe"
)

const namespace = "orchestrator"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	inbound     *prometheus.CounterVec
	dedup       *prometheus.CounterVec
	resolutions *prometheus.CounterVec
	closures    *prometheus.CounterVec
	backend     *prometheus.CounterVec
	outbound    *prometheus.CounterVec
	pipeline    *prometheus.HistogramVec
}

// MustNewMetrics registers the collectors with reg and panics on conflicts
// other than re-registration of an identical collector.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		inbound: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound provider events by channel and disposition.",
		}, []string{"channel", "kind"})),
		dedup: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_decisions_total",
			Help:      "Dedup ledger decisions by channel and outcome.",
		}, []string{"channel", "outcome"})),
		resolutions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_resolutions_total",
			Help:      "Conversation resolutions by channel, branch and whether a session was created.",
		}, []string{"channel", "branch", "created"})),
		closures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closures_total",
			Help:      "Idle session closure attempts by channel and result.",
		}, []string{"channel", "result"})),
		backend: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend requests by operation and status.",
		}, []string{"op", "status"})),
		outbound: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound sends by channel, operation and status.",
		}, []string{"channel", "op", "status"})),
		pipeline: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Time from inbound event to backend hand-off.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"})),
	}
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveInbound counts an inbound event disposition (message, feedback, ignored, rejected).
func (m *Metrics) ObserveInbound(ch channel.Channel, kind string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(string(ch), kind).Inc()
}

// ObserveDedup implements dedupe.Observer.
func (m *Metrics) ObserveDedup(ch channel.Channel, outcome dedupe.Outcome) {
	if m == nil {
		return
	}
	m.dedup.WithLabelValues(string(ch), outcome.String()).Inc()
}

// ObserveResolution implements conversation.Observer.
func (m *Metrics) ObserveResolution(ch channel.Channel, branch conversation.Branch, created bool) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(string(ch), string(branch), strconv.FormatBool(created)).Inc()
}

// ObserveClosure implements sweeper.Observer.
func (m *Metrics) ObserveClosure(ch channel.Channel, closed bool, err error) {
	if m == nil {
		return
	}
	result := "closed"
	switch {
	case err != nil:
		result = "error"
	case !closed:
		result = "already_closed"
	}
	m.closures.WithLabelValues(string(ch), result).Inc()
}

// ObserveBackend implements backend.Observer.
func (m *Metrics) ObserveBackend(op string, err error) {
	if m == nil {
		return
	}
	m.backend.WithLabelValues(op, status(err)).Inc()
}

// ObserveOutbound counts one outbound call.
func (m *Metrics) ObserveOutbound(ch channel.Channel, op string, err error) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(string(ch), op, status(err)).Inc()
}

// ObservePipeline records how long an event took to reach the backend.
func (m *Metrics) ObservePipeline(ch channel.Channel, d time.Duration) {
	if m == nil {
		return
	}
	m.pipeline.WithLabelValues(string(ch)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
