package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/victornm/mutely/internal/domain"
)

// Metrics collects the server's Prometheus metrics. It serves the poller, the violation
// service and the relay.
type Metrics struct {
	pollTicks        *prometheus.CounterVec
	pollDuration     prometheus.Histogram
	violationsLogged *prometheus.CounterVec
	activeSessions   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mutely_poll_ticks_total",
			Help: "Number of poll ticks by result.",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mutely_poll_duration_seconds",
			Help:    "Duration of one poll tick.",
			Buckets: prometheus.DefBuckets,
		}),
		violationsLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mutely_violations_logged_total",
			Help: "Number of violations logged by event type and result.",
		}, []string{"type", "result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mutely_relay_active_sessions",
			Help: "Number of sessions watched by the relay.",
		}),
	}

	reg.MustRegister(
		m.pollTicks,
		m.pollDuration,
		m.violationsLogged,
		m.activeSessions,
	)

	return m
}

func (m *Metrics) ObservePoll(d time.Duration, err error) {
	m.pollTicks.WithLabelValues(result(err == nil)).Inc()
	m.pollDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveViolation(t domain.EventType, success bool) {
	m.violationsLogged.WithLabelValues(t.String(), result(success)).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
