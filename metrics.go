package quic

import "github.com/prometheus/client_golang/prometheus"

// metricsCollector is the dispatcher's optional instrumentation seam
// (SPEC_FULL §10 "ambient stack"). It is nil until
// Server.SetMetricsRegisterer is called, and every increment method is
// nil-receiver safe so the hot path never has to branch on whether
// metrics are enabled.
type metricsCollector struct {
	accepted           prometheus.Counter
	retried            prometheus.Counter
	versionNegotiation prometheus.Counter
	connectionFailures prometheus.Counter
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quince",
			Subsystem: "dispatcher",
			Name:      "connections_accepted_total",
			Help:      "Connections accepted after passing (or being exempt from) address validation.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quince",
			Subsystem: "dispatcher",
			Name:      "retry_packets_sent_total",
			Help:      "Retry packets sent in response to an unvalidated Initial.",
		}),
		versionNegotiation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quince",
			Subsystem: "dispatcher",
			Name:      "version_negotiation_packets_sent_total",
			Help:      "Version Negotiation packets sent for an unsupported client version.",
		}),
		connectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quince",
			Subsystem: "dispatcher",
			Name:      "connection_construction_failures_total",
			Help:      "Failed attempts to construct a new server connection.",
		}),
	}
}

// SetMetricsRegisterer enables Prometheus instrumentation, registering
// the dispatcher's counters with reg.
func (s *Server) SetMetricsRegisterer(reg prometheus.Registerer) error {
	m := newMetricsCollector()
	for _, c := range []prometheus.Collector{m.accepted, m.retried, m.versionNegotiation, m.connectionFailures} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	s.metrics = m
	return nil
}

func (m *metricsCollector) incAccepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
}

func (m *metricsCollector) incRetry() {
	if m == nil {
		return
	}
	m.retried.Inc()
}

func (m *metricsCollector) incVersionNegotiation() {
	if m == nil {
		return
	}
	m.versionNegotiation.Inc()
}

func (m *metricsCollector) incConnectionFailure() {
	if m == nil {
		return
	}
	m.connectionFailures.Inc()
}
