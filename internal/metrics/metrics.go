// Package metrics exposes the node's Prometheus counters on the portal's
// /metrics route. All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "yardnode_"

const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics holds the node's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	trackTransitions *prometheus.CounterVec
	trackOccupied    *prometheus.GaugeVec

	mqttAttempts  *prometheus.CounterVec
	mqttConnected prometheus.Gauge
	mqttPublished *prometheus.CounterVec

	updateStages *prometheus.CounterVec

	tickLatency prometheus.Histogram
}

// New registers every collector, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		trackTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "track_transitions_total",
				Help: "Debounced track transitions by track and state",
			},
			[]string{"track", "state"},
		),
		trackOccupied: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "track_occupied",
				Help: "1 while the track section reads occupied",
			},
			[]string{"track"},
		),
		mqttAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "mqtt_connect_attempts_total",
				Help: "Broker connection attempts by result",
			},
			[]string{"result"},
		),
		mqttConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "mqtt_connected",
				Help: "1 while the broker session is up",
			},
		),
		mqttPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "mqtt_published_total",
				Help: "Messages published by result",
			},
			[]string{"result"},
		),
		updateStages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "update_stages_total",
				Help: "Remote update stages by stage and result",
			},
			[]string{"stage", "result"},
		),
		tickLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "loop_tick_seconds",
				Help:    "Duration of one device loop tick",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .5, 1, 10, 60},
			},
		),
	}

	m.registry.MustRegister(
		m.trackTransitions,
		m.trackOccupied,
		m.mqttAttempts,
		m.mqttConnected,
		m.mqttPublished,
		m.updateStages,
		m.tickLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackChanged records a debounced transition. track is one-based.
func (m *Metrics) TrackChanged(track int, occupied bool) {
	if m == nil {
		return
	}
	label := strconv.Itoa(track)
	state, v := "free", 0.0
	if occupied {
		state, v = "occupied", 1.0
	}
	m.trackTransitions.WithLabelValues(label, state).Inc()
	m.trackOccupied.WithLabelValues(label).Set(v)
}

// ConnectAttempt records a broker connection attempt.
func (m *Metrics) ConnectAttempt(err error) {
	if m == nil {
		return
	}
	m.mqttAttempts.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.mqttConnected.Set(1)
	}
}

// Disconnected marks the session down.
func (m *Metrics) Disconnected() {
	if m == nil {
		return
	}
	m.mqttConnected.Set(0)
}

// Published records a publish outcome.
func (m *Metrics) Published(err error) {
	if m == nil {
		return
	}
	m.mqttPublished.WithLabelValues(result(err)).Inc()
}

// UpdateStage records the outcome of one update stage.
func (m *Metrics) UpdateStage(stage string, err error) {
	if m == nil {
		return
	}
	m.updateStages.WithLabelValues(stage, result(err)).Inc()
}

// ObserveTick records one loop iteration's duration.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickLatency.Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
