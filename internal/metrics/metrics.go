// Package metrics provides Prometheus metrics for hostwatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/postalsys/hostwatch/internal/health"
	"github.com/postalsys/hostwatch/internal/observer"
)

const (
	namespace = "hostwatch"
)

// Metrics contains all Prometheus metrics for the monitor. It implements
// observer.Observer so it can sit next to the log observer.
type Metrics struct {
	// Host set metrics
	HostsMonitored prometheus.Gauge
	Reloads        *prometheus.CounterVec

	// Probe metrics
	ProbesSent      *prometheus.CounterVec
	RepliesReceived *prometheus.CounterVec
	ProbeOutcomes   *prometheus.CounterVec
	ProbeRTT        *prometheus.HistogramVec

	// Health metrics
	HostHealthy       *prometheus.GaugeVec
	HealthTransitions *prometheus.CounterVec

	// Failure metrics
	DNSFailures  *prometheus.CounterVec
	SocketErrors *prometheus.CounterVec

	// Task metrics
	TasksStarted      prometheus.Counter
	TasksStopped      prometheus.Counter
	TaskStartFailures prometheus.Counter
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HostsMonitored: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hosts_monitored",
			Help:      "Number of hosts in the active host set",
		}),
		Reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Host set reloads by result",
		}, []string{"result"}),

		ProbesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_sent_total",
			Help:      "Echo requests transmitted",
		}, []string{"host"}),
		RepliesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_received_total",
			Help:      "Matching echo replies received, late ones included",
		}, []string{"host"}),
		ProbeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_outcomes_total",
			Help:      "Probe results by outcome",
		}, []string{"host", "outcome"}),
		ProbeRTT: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_rtt_seconds",
			Help:      "Round-trip time of matching echo replies",
			Buckets:   []float64{.001, .002, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"host"}),

		HostHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_healthy",
			Help:      "1 if the host's last verdict was healthy, 0 otherwise",
		}, []string{"host"}),
		HealthTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_transitions_total",
			Help:      "Health state changes by new state",
		}, []string{"host", "state"}),

		DNSFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_failures_total",
			Help:      "Failed host name resolutions",
		}, []string{"host"}),
		SocketErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_errors_total",
			Help:      "Raw socket failures that stopped a host's monitor",
		}, []string{"host"}),

		TasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Monitor tasks started",
		}),
		TasksStopped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_stopped_total",
			Help:      "Monitor tasks stopped",
		}),
		TaskStartFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_start_failures_total",
			Help:      "Monitor starts refused by the supervisor",
		}),
	}
}

// Observe implements observer.Observer.
func (m *Metrics) Observe(e observer.Event) {
	switch e.Kind {
	case observer.KindProbe:
		m.RecordOutcome(e.Host, e.Outcome, e.RTT.Seconds())
	case observer.KindTransition:
		m.RecordTransition(e.Host, e.Healthy)
	case observer.KindResolve:
		if e.Outcome == observer.ResolveFailed {
			m.DNSFailures.WithLabelValues(e.Host).Inc()
		}
	case observer.KindSocket:
		m.SocketErrors.WithLabelValues(e.Host).Inc()
	case observer.KindReload:
		result := "applied"
		if e.Outcome != "" {
			result = e.Outcome
		}
		m.RecordReload(result, e.Active)
	case observer.KindCapacity:
		m.Reloads.WithLabelValues("rejected").Inc()
	case observer.KindConfig:
		m.Reloads.WithLabelValues("error").Inc()
	case observer.KindLifecycle:
		switch e.Outcome {
		case observer.TaskStarted:
			m.TasksStarted.Inc()
		case observer.TaskStopped:
			m.TasksStopped.Inc()
			m.ForgetHost(e.Host)
		case observer.TaskFailed:
			m.TaskStartFailures.Inc()
		}
	}
}

// RecordOutcome records one probe result.
func (m *Metrics) RecordOutcome(host, outcome string, rttSeconds float64) {
	m.ProbeOutcomes.WithLabelValues(host, outcome).Inc()

	switch outcome {
	case health.SendFailed.String():
		return
	case health.NoReply.String():
		m.ProbesSent.WithLabelValues(host).Inc()
		return
	}

	m.ProbesSent.WithLabelValues(host).Inc()
	m.RepliesReceived.WithLabelValues(host).Inc()
	m.ProbeRTT.WithLabelValues(host).Observe(rttSeconds)
}

// RecordTransition records a health state change.
func (m *Metrics) RecordTransition(host string, healthy bool) {
	state, value := health.Unhealthy.String(), 0.0
	if healthy {
		state, value = health.Healthy.String(), 1.0
	}
	m.HostHealthy.WithLabelValues(host).Set(value)
	m.HealthTransitions.WithLabelValues(host, state).Inc()
}

// RecordReload records an applied reload and the resulting host count.
func (m *Metrics) RecordReload(result string, active int) {
	m.Reloads.WithLabelValues(result).Inc()
	m.HostsMonitored.Set(float64(active))
}

// ForgetHost drops every per-host series for host. A host that comes back
// starts from zero, the same as its new monitor.
func (m *Metrics) ForgetHost(host string) {
	labels := prometheus.Labels{"host": host}
	m.ProbesSent.DeletePartialMatch(labels)
	m.RepliesReceived.DeletePartialMatch(labels)
	m.ProbeOutcomes.DeletePartialMatch(labels)
	m.ProbeRTT.DeletePartialMatch(labels)
	m.HostHealthy.DeletePartialMatch(labels)
	m.HealthTransitions.DeletePartialMatch(labels)
	m.DNSFailures.DeletePartialMatch(labels)
	m.SocketErrors.DeletePartialMatch(labels)
}
