package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ratesbot"

// Metrics holds the instrumentation of the ingestion and dispatch loops.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FeedRequestsTotal    *prometheus.CounterVec
	ObservationsInserted prometheus.Counter
	PendingFlagsSet      prometheus.Counter
	LastObservationUnix  prometheus.Gauge
	NotificationsTotal   *prometheus.CounterVec
	PassDuration         *prometheus.HistogramVec
	PassErrorsTotal      *prometheus.CounterVec
	BotCommandsTotal     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FeedRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_requests_total",
				Help:      "Daily feed requests by result (ok, gap, error)",
			},
			[]string{"result"},
		),

		ObservationsInserted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observations_inserted_total",
				Help:      "New (date, currency) observations persisted",
			},
		),

		PendingFlagsSet: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pending_flags_set_total",
				Help:      "Subscriptions flagged as owed a digest",
			},
		),

		LastObservationUnix: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_observation_date_seconds",
				Help:      "Unix time of the newest stored observation date",
			},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Digest deliveries by outcome (sent, recipient_gone, failed)",
			},
			[]string{"outcome"},
		),

		PassDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of one loop pass",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
			},
			[]string{"loop"},
		),

		PassErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pass_errors_total",
				Help:      "Loop passes that ended with an error",
			},
			[]string{"loop"},
		),

		BotCommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bot_commands_total",
				Help:      "Bot commands handled",
			},
			[]string{"command"},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordFeedRequest(result string) {
	if m == nil {
		return
	}
	m.FeedRequestsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordInserted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ObservationsInserted.Add(float64(n))
}

func (m *Metrics) RecordPendingFlags(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.PendingFlagsSet.Add(float64(n))
}

func (m *Metrics) RecordLastObservation(date time.Time) {
	if m == nil {
		return
	}
	m.LastObservationUnix.Set(float64(date.Unix()))
}

func (m *Metrics) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(outcome).Inc()
}

// ObservePass records the duration of a loop pass and whether it failed.
func (m *Metrics) ObservePass(loop string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.PassDuration.WithLabelValues(loop).Observe(time.Since(started).Seconds())
	if err != nil {
		m.PassErrorsTotal.WithLabelValues(loop).Inc()
	}
}

func (m *Metrics) RecordCommand(command string) {
	if m == nil {
		return
	}
	m.BotCommandsTotal.WithLabelValues(command).Inc()
}
