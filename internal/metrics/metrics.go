// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "remotepower"

// Action outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// Metrics holds the daemon's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Datagrams     prometheus.Counter
	Dropped       prometheus.Counter
	ReceiveErrors prometheus.Counter
	Commands      *prometheus.CounterVec
	Actions       *prometheus.CounterVec
	Running       prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Datagrams: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_total",
			Help:      "Datagrams received on the command socket.",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Datagrams dropped because the payload was not valid UTF-8.",
		}),
		ReceiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "Transport errors while receiving a datagram.",
		}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Received commands by classification.",
		}, []string{"kind"}),
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Scheduled power actions by outcome.",
		}, []string{"action", "outcome"}),
		Running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_running",
			Help:      "1 while the command listener is bound.",
		}),
		gatherer: reg,
	}
}

func (m *Metrics) ObserveDatagram() {
	if m != nil {
		m.Datagrams.Inc()
	}
}

func (m *Metrics) ObserveDropped() {
	if m != nil {
		m.Dropped.Inc()
	}
}

func (m *Metrics) ObserveReceiveError() {
	if m != nil {
		m.ReceiveErrors.Inc()
	}
}

func (m *Metrics) ObserveCommand(kind string) {
	if m != nil {
		m.Commands.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ObserveAction(action, outcome string) {
	if m != nil {
		m.Actions.WithLabelValues(action, outcome).Inc()
	}
}

func (m *Metrics) SetRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.Running.Set(1)
	} else {
		m.Running.Set(0)
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
