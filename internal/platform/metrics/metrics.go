// Package metrics provides Prometheus metrics for the dispensing service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	DosesDispensed       prometheus.Counter
	DosesFailed          prometheus.Counter
	DispenseDuration     prometheus.Histogram
	TakehomeOrdersIssued prometheus.Counter
	TakehomeDenials      prometheus.Counter
	Form222Issued        prometheus.Counter
	Form222Voided        prometheus.Counter
	InventoryVarianceML  prometheus.Gauge
	BottlesActive        prometheus.Gauge
	InteractionChecks    *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates the metric set registered against reg. Passing a fresh
// registry keeps tests isolated from the default global one.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DosesDispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_dispensed_total",
			Help: "Total doses successfully dispensed",
		}),
		DosesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_failed_total",
			Help: "Total dose executions rejected or failed",
		}),
		DispenseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dose_dispense_duration_seconds",
			Help:    "Dose execution duration including pump round trip",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		TakehomeOrdersIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "takehome_orders_issued_total",
			Help: "Total take-home orders issued",
		}),
		TakehomeDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "takehome_denials_total",
			Help: "Total take-home requests denied by eligibility rules",
		}),
		Form222Issued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "form222_issued_total",
			Help: "Total DEA Form 222 orders issued",
		}),
		Form222Voided: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "form222_voided_total",
			Help: "Total DEA Form 222 orders voided",
		}),
		InventoryVarianceML: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inventory_variance_ml",
			Help: "Absolute variance between counted and expected stock in mL",
		}),
		BottlesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bottles_active",
			Help: "Bottles currently in active dispensing rotation",
		}),
		InteractionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interaction_checks_total",
			Help: "Drug interaction lookups by outcome",
		}, []string{"outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.DosesDispensed,
		m.DosesFailed,
		m.DispenseDuration,
		m.TakehomeOrdersIssued,
		m.TakehomeDenials,
		m.Form222Issued,
		m.Form222Voided,
		m.InventoryVarianceML,
		m.BottlesActive,
		m.InteractionChecks,
		m.CircuitBreakerState,
	)

	return m
}

// NewDefault registers against the global default registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// Handler returns the Prometheus scrape handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// DefaultHandler serves the global default registry.
func DefaultHandler() http.Handler {
	return promhttp.Handler()
}
