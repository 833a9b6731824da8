// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flawhunt_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flawhunt_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	OTPSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flawhunt_otp_sent_total",
			Help: "Verification codes sent, by reason",
		},
		[]string{"reason"},
	)

	OTPRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flawhunt_otp_resend_rejected_total",
			Help: "Resend requests rejected by the cooldown",
		},
	)

	LicensesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flawhunt_licenses_generated_total",
			Help: "License keys generated, by plan type",
		},
		[]string{"plan"},
	)

	LicensesRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flawhunt_licenses_revoked_total",
			Help: "License keys revoked",
		},
	)

	// LicenseValidations counts validation attempts by outcome.
	LicenseValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flawhunt_license_validations_total",
			Help: "License validation attempts, by outcome",
		},
		[]string{"outcome"},
	)

	BackupsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flawhunt_backups_ingested_total",
			Help: "Chat backups received from the CLI",
		},
		[]string{"has_device"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route string, status int, duration float64) {
	code := strconv.Itoa(status)
	RequestDuration.WithLabelValues(method, route, code).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, code).Inc()
}

// RecordBackup counts one ingested backup.
func RecordBackup(hasDevice bool) {
	BackupsIngested.WithLabelValues(strconv.FormatBool(hasDevice)).Inc()
}
