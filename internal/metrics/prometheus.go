package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Router metrics
	DispatchTotal *prometheus.CounterVec
	BackendUp     *prometheus.GaugeVec
	CurrentMode   *prometheus.GaugeVec

	// Migration metrics
	MigrationEntities *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
}

// NewMetrics creates the metrics on a private registry so several instances
// can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nok_router_dispatch_total",
				Help: "Router operations by backend and outcome",
			},
			[]string{"operation", "backend", "result"},
		),

		BackendUp: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nok_backend_connected",
				Help: "1 when the backend is connected",
			},
			[]string{"backend"},
		),

		CurrentMode: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nok_router_mode",
				Help: "1 for the active communication mode",
			},
			[]string{"mode"},
		),

		MigrationEntities: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nok_migration_entities_total",
				Help: "Provisioned users and rooms by outcome",
			},
			[]string{"kind", "result"},
		),

		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nok_migration_stage_duration_seconds",
				Help:    "Duration of migration stages",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordDispatch records one router operation.
func (m *Metrics) RecordDispatch(operation, backend string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DispatchTotal.WithLabelValues(operation, backend, result).Inc()
}

// SetBackendUp updates the connection gauge for backend.
func (m *Metrics) SetBackendUp(backend string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.BackendUp.WithLabelValues(backend).Set(v)
}

// SetMode marks mode as the active one among modes.
func (m *Metrics) SetMode(mode string, modes []string) {
	if m == nil {
		return
	}
	for _, name := range modes {
		v := 0.0
		if name == mode {
			v = 1
		}
		m.CurrentMode.WithLabelValues(name).Set(v)
	}
}

// RecordEntity records a provisioned user or room.
func (m *Metrics) RecordEntity(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MigrationEntities.WithLabelValues(kind, result).Inc()
}

// RecordStage records the duration of a migration stage.
func (m *Metrics) RecordStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}
