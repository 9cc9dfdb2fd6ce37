package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vitalscan"

var (
	// registrationsTotal counts license registrations by status (success, error).
	registrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_registrations_total",
			Help:      "Total number of license registrations",
		},
		[]string{"status"},
	)

	// registrationDuration observes the registration round-trip.
	registrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "license_registration_duration_seconds",
			Help:      "Duration of license registration calls in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// moduleLoadsTotal counts vendor module loads by status.
	moduleLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_loads_total",
			Help:      "Total number of vendor capture module loads",
		},
		[]string{"status"},
	)

	// eventsTotal counts classified engine errors and events by category.
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classified_events_total",
			Help:      "Total number of classified capture engine events",
		},
		[]string{"category"},
	)

	// scansTotal counts finished scans by outcome (success, quality, fatal, cancelled).
	scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Total number of finished scans by outcome",
		},
		[]string{"outcome"},
	)

	// capturesActive is the number of captures currently running.
	capturesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "captures_active",
			Help:      "Number of captures currently running",
		},
	)

	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		registrationsTotal,
		registrationDuration,
		moduleLoadsTotal,
		eventsTotal,
		scansTotal,
		capturesActive,
	)
}

// Registry returns the registry holding the vitalscan collectors.
func Registry() *prometheus.Registry { return registry }

// Handler returns an HTTP handler exposing the vitalscan collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordRegistration records a finished license registration.
func RecordRegistration(seconds float64, err error) {
	registrationsTotal.WithLabelValues(status(err)).Inc()
	registrationDuration.Observe(seconds)
}

// RecordModuleLoad records a vendor module load attempt.
func RecordModuleLoad(err error) {
	moduleLoadsTotal.WithLabelValues(status(err)).Inc()
}

// RecordEvent records a classified engine event.
func RecordEvent(category string) {
	eventsTotal.WithLabelValues(category).Inc()
}

// RecordCaptureStart marks a capture as running.
func RecordCaptureStart() {
	capturesActive.Inc()
}

// RecordCaptureEnd marks a running capture as finished with outcome.
func RecordCaptureEnd(outcome string) {
	capturesActive.Dec()
	scansTotal.WithLabelValues(outcome).Inc()
}
