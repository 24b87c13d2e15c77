package distributor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegisterer is the subset of prometheus.Registerer a Distributor
// needs. Passing a real *prometheus.Registry (rather than depending on the
// global prometheus.DefaultRegisterer) keeps multiple distributors in one
// process from colliding on metric names.
type MetricsRegisterer = prometheus.Registerer

// metricsSet holds the instruments one Distributor registers. A nil
// Registerer (common in tests) yields unregistered, purely in-memory
// instruments that are still safe to call.
type metricsSet struct {
	subscribersGauge prometheus.Gauge
	messagesCounter  prometheus.Counter
	errorsCounter    prometheus.Counter
	sizeSummary      prometheus.Summary
}

func newMetricsSet(reg MetricsRegisterer) *metricsSet {
	m := &metricsSet{
		subscribersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nimbus_distributor_subscribers",
			Help: "Current number of open subscribers.",
		}),
		messagesCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_distributor_messages_delivered_total",
			Help: "Messages successfully delivered to a subscriber inbox.",
		}),
		errorsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_distributor_delivery_errors_total",
			Help: "Deliveries that failed because a subscriber's inbox was full.",
		}),
		sizeSummary: prometheus.NewSummary(prometheus.SummaryOpts{
			Name: "nimbus_distributor_message_size_bytes",
			Help: "Approximate size of published item payloads.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.subscribersGauge, m.messagesCounter, m.errorsCounter, m.sizeSummary)
	}
	return m
}

// observeSize records a rough size estimate for item.Payload. Only []byte
// and string payloads have a meaningful byte length; other payload types
// are not observed (nothing to measure without a codec in hand).
func (m *metricsSet) observeSize(item Item) {
	switch v := item.Payload.(type) {
	case []byte:
		m.sizeSummary.Observe(float64(len(v)))
	case string:
		m.sizeSummary.Observe(float64(len(v)))
	}
}
