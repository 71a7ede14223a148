package metrics

import "github.com/prometheus/client_golang/prometheus"

// CallMetrics exposes counters/histograms for dispatch and call flows.
type CallMetrics struct {
	dispatched     *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	m := &CallMetrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callpilot",
			Name:      "calls_dispatched_total",
			Help:      "Dispatch attempts by result",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callpilot",
			Name:      "call_transitions_total",
			Help:      "Call status transitions",
		}, []string{"from", "to"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callpilot",
			Name:      "call_outcomes_total",
			Help:      "Resolved call outcomes",
		}, []string{"outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callpilot",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of telephony and voice webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.dispatched, m.transitions, m.outcomes, m.webhookLatency)
	return m
}

func (m *CallMetrics) ObserveDispatch(result string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(result).Inc()
}

func (m *CallMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *CallMetrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *CallMetrics) ObserveWebhookLatency(source string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(source).Observe(seconds)
}
