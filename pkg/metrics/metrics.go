// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes Prometheus instrumentation for the migration
// engine: a phase-duration histogram and a migrations-in-flight gauge,
// following the registry-and-collector wiring pattern used for
// prometheus/client_golang throughout the example corpus's schema-registry
// style services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the collectors the engine reports to. It is safe to
// pass a nil *Registry anywhere these methods are called; all methods are
// no-ops on a nil receiver so instrumentation is opt-in.
type Registry struct {
	phaseDuration   *prometheus.HistogramVec
	migrationsGauge prometheus.Gauge
	warningsTotal   *prometheus.CounterVec
}

// NewRegistry creates and registers the engine's collectors against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pgswap",
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of each migration engine phase.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"phase"}),
		migrationsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgswap",
			Name:      "migrations_in_flight",
			Help:      "Number of migration runs currently executing.",
		}),
		warningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgswap",
			Name:      "phase_warnings_total",
			Help:      "Count of non-fatal warnings recorded per phase.",
		}, []string{"phase"}),
	}

	reg.MustRegister(r.phaseDuration, r.migrationsGauge, r.warningsTotal)
	return r
}

// ObservePhaseDuration records one phase's wall-clock duration in seconds.
func (r *Registry) ObservePhaseDuration(phase string, seconds float64) {
	if r == nil {
		return
	}
	r.phaseDuration.WithLabelValues(phase).Observe(seconds)
}

// IncWarnings increments the warning counter for phase.
func (r *Registry) IncWarnings(phase string) {
	if r == nil {
		return
	}
	r.warningsTotal.WithLabelValues(phase).Inc()
}

// MigrationStarted increments the in-flight gauge.
func (r *Registry) MigrationStarted() {
	if r == nil {
		return
	}
	r.migrationsGauge.Inc()
}

// MigrationFinished decrements the in-flight gauge.
func (r *Registry) MigrationFinished() {
	if r == nil {
		return
	}
	r.migrationsGauge.Dec()
}
