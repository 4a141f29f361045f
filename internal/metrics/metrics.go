// Package metrics exposes engine counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "geofencing"

// Metrics holds every collector registered on a private registry.
// Params: none; collectors are created by New.
// Returns: instrumentation handles shared by engine components.
type Metrics struct {
	registry *prometheus.Registry

	TransitionsReceived *prometheus.CounterVec
	TransitionsDropped  *prometheus.CounterVec
	TriggersAccepted    *prometheus.CounterVec
	ThrottleRejected    *prometheus.CounterVec
	ReportsSent         prometheus.Counter
	ReportsDropped      prometheus.Counter
	ReportBatchFailures prometheus.Counter
	ReportBatchDuration prometheus.Histogram
	PendingReports      prometheus.Gauge
	ArmedRegions        prometheus.Gauge
	Campaigns           prometheus.Gauge
	Deliveries          *prometheus.CounterVec
}

// New creates collectors on a fresh registry.
// Params: none.
// Returns: metrics set with Go runtime and process collectors attached.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		TransitionsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_received_total",
			Help:      "Geofence transitions received, by event type and source.",
		}, []string{"event", "source"}),
		TransitionsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_dropped_total",
			Help:      "Malformed transitions or fixes dropped without retry, by source.",
		}, []string{"source"}),
		TriggersAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_accepted_total",
			Help:      "Campaign triggers that passed the throttle, by event type.",
		}, []string{"event"}),
		ThrottleRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_rejected_total",
			Help:      "Throttle rejections by reason.",
		}, []string{"reason"}),
		ReportsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_sent_total",
			Help:      "Event reports acknowledged by the backend.",
		}),
		ReportsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_dropped_total",
			Help:      "Pending reports dropped because their campaign is no longer active.",
		}),
		ReportBatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_batch_failures_total",
			Help:      "Report batches that failed and stay queued for the next attempt.",
		}),
		ReportBatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_batch_duration_seconds",
			Help:      "Duration of one report batch round trip.",
			Buckets:   prometheus.DefBuckets,
		}),
		PendingReports: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_reports",
			Help:      "Reports waiting in the durable queue after the last attempt.",
		}),
		ArmedRegions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "armed_regions",
			Help:      "Regions armed by the last monitoring plan.",
		}),
		Campaigns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "campaigns",
			Help:      "Campaigns currently known to the engine.",
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery sink attempts by sink and outcome.",
		}, []string{"sink", "outcome"}),
	}
}

// Registry returns private registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves registry in Prometheus text format.
// Params: none.
// Returns: HTTP handler for the metrics path.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
