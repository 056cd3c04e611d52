// Package metrics Prometheus collectors for the energy tracking service
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collectors registered on one registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TelemetryEvents    *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	CommandsRejected   *prometheus.CounterVec
	InvalidSamples     *prometheus.CounterVec
	AnomaliesDetected  *prometheus.CounterVec
	ConsumptionAlerts  *prometheus.CounterVec
	ProfileUpdates     prometheus.Counter
	BroadcastDelivered *prometheus.CounterVec
	BroadcastFailed    *prometheus.CounterVec
	BroadcastQueue     prometheus.Gauge
	HTTPDuration       *prometheus.HistogramVec
}

// New registers every collector on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TelemetryEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_telemetry_events_total",
			Help: "Telemetry messages received, by outcome",
		}, []string{"outcome"}),
		SessionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_session_transitions_total",
			Help: "Accepted session state transitions",
		}, []string{"transition"}),
		CommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_commands_rejected_total",
			Help: "Session commands rejected by business rules",
		}, []string{"command", "reason"}),
		InvalidSamples: f.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_invalid_samples_total",
			Help: "Completions skipped because their telemetry was unusable",
		}, []string{"component"}),
		AnomaliesDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_anomalies_detected_total",
			Help: "Sessions whose duration deviation exceeded the threshold",
		}, []string{"kind"}),
		ConsumptionAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_consumption_alerts_total",
			Help: "Sessions whose consumption left the expected band",
		}, []string{"tag"}),
		ProfileUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "energy_profile_updates_total",
			Help: "Service energy profile samples accumulated",
		}),
		BroadcastDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_broadcast_delivered_total",
			Help: "Broadcast envelopes delivered, by sink",
		}, []string{"sink"}),
		BroadcastFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_broadcast_failed_total",
			Help: "Broadcast envelopes dropped after all attempts, by sink",
		}, []string{"sink"}),
		BroadcastQueue: f.NewGauge(prometheus.GaugeOpts{
			Name: "energy_broadcast_queue_length",
			Help: "Envelopes waiting in the broadcaster queue",
		}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "energy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"route", "method", "status"}),
	}
}

// Registry underlying registry, for tests and custom exporters
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TelemetryReceived(outcome string) {
	if m == nil {
		return
	}
	m.TelemetryEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(name string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(name).Inc()
}

func (m *Metrics) Rejected(command, reason string) {
	if m == nil {
		return
	}
	m.CommandsRejected.WithLabelValues(command, reason).Inc()
}

func (m *Metrics) InvalidSample(component string) {
	if m == nil {
		return
	}
	m.InvalidSamples.WithLabelValues(component).Inc()
}

func (m *Metrics) Anomaly(kind string) {
	if m == nil {
		return
	}
	m.AnomaliesDetected.WithLabelValues(kind).Inc()
}

func (m *Metrics) ConsumptionAlert(tag string) {
	if m == nil {
		return
	}
	m.ConsumptionAlerts.WithLabelValues(tag).Inc()
}

func (m *Metrics) ProfileUpdated() {
	if m == nil {
		return
	}
	m.ProfileUpdates.Inc()
}

func (m *Metrics) Delivered(sink string) {
	if m == nil {
		return
	}
	m.BroadcastDelivered.WithLabelValues(sink).Inc()
}

func (m *Metrics) DeliveryFailed(sink string) {
	if m == nil {
		return
	}
	m.BroadcastFailed.WithLabelValues(sink).Inc()
}

func (m *Metrics) QueueLength(n int) {
	if m == nil {
		return
	}
	m.BroadcastQueue.Set(float64(n))
}

func (m *Metrics) ObserveHTTP(route, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(route, method, status).Observe(d.Seconds())
}
