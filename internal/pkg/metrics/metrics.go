package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels a session operation result.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

var (
	// Registry holds every collector exported on /metrics.
	Registry = prometheus.NewRegistry()

	sessionOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authgate",
		Subsystem: "session",
		Name:      "operations_total",
		Help:      "Session manager operations by op and outcome.",
	}, []string{"op", "outcome"})

	authEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authgate",
		Subsystem: "auth",
		Name:      "events_total",
		Help:      "Auth orchestrator flows by flow and outcome.",
	}, []string{"flow", "outcome"})

	gatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "authgate",
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Authenticated realtime connections on this instance.",
	})

	gatewaySubjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "authgate",
		Subsystem: "gateway",
		Name:      "online_subjects",
		Help:      "Distinct subjects with at least one live connection.",
	})

	gatewayRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authgate",
		Subsystem: "gateway",
		Name:      "rejected_total",
		Help:      "Connections rejected during the handshake, by reason.",
	}, []string{"reason"})

	gatewayEmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authgate",
		Subsystem: "gateway",
		Name:      "emits_total",
		Help:      "Server-initiated realtime events by event name.",
	}, []string{"event"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		sessionOps,
		authEvents,
		gatewayConnections,
		gatewaySubjects,
		gatewayRejected,
		gatewayEmits,
	)
}

func ObserveSession(op string, outcome Outcome) {
	sessionOps.WithLabelValues(op, string(outcome)).Inc()
}

func ObserveAuth(flow string, outcome Outcome) {
	authEvents.WithLabelValues(flow, string(outcome)).Inc()
}

// SetPresence publishes the current presence totals.
func SetPresence(connections, subjects int) {
	gatewayConnections.Set(float64(connections))
	gatewaySubjects.Set(float64(subjects))
}

func ObserveRejected(reason string) {
	gatewayRejected.WithLabelValues(reason).Inc()
}

func ObserveEmit(event string) {
	gatewayEmits.WithLabelValues(event).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
