// Package metrics exposes reconciler counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schedulify/internal/reconcile"
)

// Cycle result label values.
const (
	ResultRan       = "ran"
	ResultThrottled = "throttled"
	ResultBusy      = "busy"
	ResultPanic     = "panic"
)

// Metrics owns a private registry so tests and multiple instances do not
// collide on the default one.
type Metrics struct {
	reg *prometheus.Registry

	cycles        *prometheus.CounterVec
	published     prometheus.Counter
	publishFailed prometheus.Counter
	notifications *prometheus.CounterVec
	duration      prometheus.Histogram
	backlog       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schedulify",
			Name:      "cycles_total",
			Help:      "Reconcile triggers by outcome.",
		}, []string{"result"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "schedulify",
			Name:      "items_published_total",
			Help:      "Overdue posts transitioned to published.",
		}),
		publishFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "schedulify",
			Name:      "publish_failures_total",
			Help:      "Publish attempts that failed and were left for a later cycle.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schedulify",
			Name:      "notifications_total",
			Help:      "Notifications by outcome.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "schedulify",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of cycles that passed the throttle gate.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "schedulify",
			Name:      "last_cycle_found",
			Help:      "Overdue posts selected by the most recent cycle.",
		}),
	}
	m.reg.MustRegister(
		m.cycles, m.published, m.publishFailed, m.notifications, m.duration, m.backlog,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCycle implements reconcile.Observer.
func (m *Metrics) ObserveCycle(r reconcile.Report) {
	switch {
	case r.Ran:
		m.cycles.WithLabelValues(ResultRan).Inc()
	case r.Skipped == reconcile.SkipBusy:
		m.cycles.WithLabelValues(ResultBusy).Inc()
	case r.Skipped == reconcile.SkipPanic:
		m.cycles.WithLabelValues(ResultPanic).Inc()
	default:
		m.cycles.WithLabelValues(ResultThrottled).Inc()
	}
	if !r.Ran {
		return
	}
	m.published.Add(float64(len(r.Published)))
	m.publishFailed.Add(float64(r.Failed))
	m.notifications.WithLabelValues("sent").Add(float64(r.Notified))
	m.notifications.WithLabelValues("failed").Add(float64(r.NotifyFailed))
	m.duration.Observe(r.Took.Seconds())
	m.backlog.Set(float64(r.Found))
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
