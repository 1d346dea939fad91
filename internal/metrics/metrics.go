// Package metrics exposes Prometheus instruments for the reporter, sampler
// and display server. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Report outcomes used as the "result" label.
const (
	ResultOK         = "ok"
	ResultDropped    = "dropped"
	ResultNetwork    = "network_error"
	ResultParse      = "parse_error"
	ResultIgnored    = "ignored"
	ResultNoIdentity = "no_identity"
)

// Metrics holds every instrument on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	reports         *prometheus.CounterVec
	reportsInFlight prometheus.Gauge
	reportLatency   prometheus.Histogram
	resubscriptions prometheus.Counter
	intervalMs      prometheus.Gauge
	distance        prometheus.Gauge
	samples         prometheus.Counter
	samplerState    prometheus.Gauge
	targets         prometheus.Gauge
	wsClients       prometheus.Gauge
}

// New creates and registers all instruments.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.reports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofenced_reports_total",
			Help: "Location reports by outcome",
		},
		[]string{"result"},
	)
	m.reportsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geofenced_reports_in_flight",
		Help: "Location reports currently waiting on the service",
	})
	m.reportLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geofenced_report_duration_seconds",
		Help:    "Round trip time of UpdateLocation calls",
		Buckets: prometheus.DefBuckets,
	})
	m.resubscriptions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geofenced_resubscriptions_total",
		Help: "Times the sampler was reconfigured with a new interval",
	})
	m.intervalMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geofenced_sampling_interval_ms",
		Help: "Current sampling interval in milliseconds",
	})
	m.distance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geofenced_distance_to_closest_meters",
		Help: "Last distance to the closest target reported by the service",
	})
	m.samples = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geofenced_samples_total",
		Help: "Location samples delivered by the sampler",
	})
	m.samplerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geofenced_sampler_state",
		Help: "Sampler state (0=unstarted, 1=connecting, 2=active, 3=stopped)",
	})
	m.targets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geofenced_targets",
		Help: "Targets fetched from the service",
	})
	m.wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geofenced_ws_clients",
		Help: "Connected map clients",
	})

	m.registry.MustRegister(
		m.reports, m.reportsInFlight, m.reportLatency, m.resubscriptions,
		m.intervalMs, m.distance, m.samples, m.samplerState, m.targets, m.wsClients,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ReportResult(result string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(result).Inc()
}

func (m *Metrics) ReportStarted() {
	if m == nil {
		return
	}
	m.reportsInFlight.Inc()
}

func (m *Metrics) ReportFinished(seconds float64) {
	if m == nil {
		return
	}
	m.reportsInFlight.Dec()
	m.reportLatency.Observe(seconds)
}

func (m *Metrics) Resubscribed(intervalMs int64) {
	if m == nil {
		return
	}
	m.resubscriptions.Inc()
	m.intervalMs.Set(float64(intervalMs))
}

func (m *Metrics) SetInterval(intervalMs int64) {
	if m == nil {
		return
	}
	m.intervalMs.Set(float64(intervalMs))
}

func (m *Metrics) SetDistance(meters float64) {
	if m == nil {
		return
	}
	m.distance.Set(meters)
}

func (m *Metrics) SampleDelivered() {
	if m == nil {
		return
	}
	m.samples.Inc()
}

func (m *Metrics) SetSamplerState(state int) {
	if m == nil {
		return
	}
	m.samplerState.Set(float64(state))
}

func (m *Metrics) SetTargets(n int) {
	if m == nil {
		return
	}
	m.targets.Set(float64(n))
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}
