package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stickylb"

type exporter struct {
	reg prometheus.Registerer

	accepted        *prometheus.CounterVec
	selections      *prometheus.CounterVec
	closed          *prometheus.CounterVec
	relayedBytes    *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	routingFailures prometheus.Counter
	connectFailures *prometheus.CounterVec
	poolExhausted   prometheus.Counter
}

func newExporter(reg prometheus.Registerer) *exporter {
	e := &exporter{
		reg: reg,
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted, by listener",
		}, []string{"listener"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_selections_total",
			Help:      "Backends chosen for new connections, by routing key",
		}, []string{"route", "backend"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Relayed connections closed, by backend",
		}, []string{"backend"}),
		relayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed, by backend and direction",
		}, []string{"backend", "direction"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of relayed connections in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"backend"}),
		routingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_failures_total",
			Help:      "Connections closed because no backend could be resolved",
		}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_connect_failures_total",
			Help:      "Failed non-blocking connects, by backend",
		}, []string{"backend"}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_pool_exhausted_total",
			Help:      "Times accepting was paused because no buffer was free",
		}),
	}

	reg.MustRegister(
		e.accepted,
		e.selections,
		e.closed,
		e.relayedBytes,
		e.duration,
		e.routingFailures,
		e.connectFailures,
		e.poolExhausted,
	)

	return e
}

func (e *exporter) observe(event MetricEvent) {
	switch event.Type {
	case EventConnectionAccepted:
		e.accepted.WithLabelValues(event.Listener).Inc()

	case EventBackendSelected:
		e.selections.WithLabelValues(event.Route, event.Backend).Inc()

	case EventConnectionClosed:
		if event.Backend == "" {
			return
		}
		e.closed.WithLabelValues(event.Backend).Inc()
		e.relayedBytes.WithLabelValues(event.Backend, "upstream").Add(float64(event.BytesIn))
		e.relayedBytes.WithLabelValues(event.Backend, "downstream").Add(float64(event.BytesOut))
		e.duration.WithLabelValues(event.Backend).Observe(event.Duration.Seconds())

	case EventRoutingFailed:
		e.routingFailures.Inc()

	case EventConnectFailed:
		e.connectFailures.WithLabelValues(event.Backend).Inc()

	case EventPoolExhausted:
		e.poolExhausted.Inc()
	}
}

func (e *exporter) registerGauge(name, help string, fn func() float64) error {
	return e.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
