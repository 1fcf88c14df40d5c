// Package metrics exposes Prometheus metrics for scheduling, delivery and engagement.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindpipe_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remindpipe_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	remindersScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindpipe_reminders_scheduled_total",
			Help: "Total number of reminder events created",
		},
	)

	scheduleSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindpipe_schedule_skipped_total",
			Help: "Due patients skipped by a scheduling pass",
		},
		[]string{"reason"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindpipe_delivery_attempts_total",
			Help: "Transport invocations by channel and result",
		},
		[]string{"channel", "result"},
	)

	transportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remindpipe_transport_duration_seconds",
			Help:    "Duration of a single transport call",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindpipe_reminder_transitions_total",
			Help: "Reminder event status transitions",
		},
		[]string{"from_status", "to_status"},
	)

	complianceRate = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remindpipe_compliance_rate",
			Help:    "Patient compliance rate after each recomputation",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	schedulePassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remindpipe_schedule_pass_duration_seconds",
			Help:    "Duration of a scheduling pass",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency. Paths are labelled with the
// route template so patient IDs do not become label values.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := routeTemplate(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// RecordScheduled counts a created reminder event.
func RecordScheduled() {
	remindersScheduled.Inc()
}

// RecordScheduleSkipped counts a due patient that did not get a new event.
func RecordScheduleSkipped(reason string) {
	scheduleSkipped.WithLabelValues(reason).Inc()
}

// RecordSchedulePass observes the duration of one scheduling pass.
func RecordSchedulePass(d time.Duration) {
	schedulePassDuration.Observe(d.Seconds())
}

// RecordDeliveryAttempt counts one transport call and its latency.
func RecordDeliveryAttempt(channel string, ok bool, d time.Duration) {
	result := "error"
	if ok {
		result = "ok"
	}
	deliveryAttempts.WithLabelValues(channel, result).Inc()
	transportDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// RecordTransition counts a reminder status change.
func RecordTransition(from, to string) {
	statusTransitions.WithLabelValues(from, to).Inc()
}

// RecordComplianceRate observes a recomputed compliance rate.
func RecordComplianceRate(rate float64) {
	complianceRate.Observe(rate)
}
