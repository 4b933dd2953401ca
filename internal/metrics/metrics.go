// Package metrics exposes Prometheus collectors for the browser fleet.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	profileAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_profile_allocations_total",
			Help: "Total number of profile directories handed out, labeled by mode.",
		},
		[]string{"mode"},
	)

	profileLockAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_profile_lock_attempts_total",
			Help: "Profile group lock attempts, labeled by outcome (acquired, retry, failed).",
		},
		[]string{"outcome"},
	)

	profileReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_profile_reclaimed_total",
			Help: "Temporary profile directories visited by reclamation, labeled by result.",
		},
		[]string{"result"},
	)

	cdpInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_cdp_invocations_total",
			Help: "Total number of protocol invocations, labeled by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	cdpInvokeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_cdp_invoke_duration_seconds",
			Help:    "Histogram of protocol round-trip latencies, labeled by domain.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"domain"},
	)

	cdpEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_cdp_events_total",
			Help: "Protocol events received, labeled by outcome (dispatched, dropped).",
		},
		[]string{"outcome"},
	)

	schedulerTasksPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_scheduler_tasks_pending",
			Help: "Tasks waiting to be dispatched, labeled by class.",
		},
		[]string{"class"},
	)

	schedulerTasksRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_scheduler_tasks_running",
			Help: "Tasks currently executing, labeled by class.",
		},
		[]string{"class"},
	)

	schedulerTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_scheduler_tasks_total",
			Help: "Total number of finished tasks, labeled by class and status.",
		},
		[]string{"class", "status"},
	)

	schedulerDrainSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_scheduler_drain_seconds",
			Help:    "Time spent waiting for normal tasks to drain before a management task.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)

	fetchPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_fetch_pages_total",
			Help: "Total number of pages fetched, labeled by site and status.",
		},
		[]string{"site", "status"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_fetch_bytes_total",
			Help: "Total number of bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	activeDrivers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_active_drivers",
			Help: "Number of browser drivers currently open.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveProfileAllocation counts a handed-out profile directory.
func ObserveProfileAllocation(mode string) {
	profileAllocationsTotal.WithLabelValues(mode).Inc()
}

// ObserveLockAttempt counts a group lock attempt.
func ObserveLockAttempt(outcome string) {
	profileLockAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveReclaim adds the results of one reclamation sweep.
func ObserveReclaim(deleted, skipped, failed int) {
	profileReclaimedTotal.WithLabelValues("deleted").Add(float64(deleted))
	profileReclaimedTotal.WithLabelValues("skipped").Add(float64(skipped))
	profileReclaimedTotal.WithLabelValues("failed").Add(float64(failed))
}

// ObserveInvocation records one protocol round trip. method is "Domain.command".
func ObserveInvocation(channel, method, outcome string, duration time.Duration) {
	cdpInvocationsTotal.WithLabelValues(channel, outcome).Inc()
	domain, _, _ := strings.Cut(method, ".")
	if domain == "" {
		domain = "unknown"
	}
	cdpInvokeDurationSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveEvent counts a received protocol event.
func ObserveEvent(outcome string) {
	cdpEventsTotal.WithLabelValues(outcome).Inc()
}

// SetSchedulerQueue publishes the scheduler's pending and running counts for a class.
func SetSchedulerQueue(class string, pending, running int) {
	schedulerTasksPending.WithLabelValues(class).Set(float64(pending))
	schedulerTasksRunning.WithLabelValues(class).Set(float64(running))
}

// ObserveTask counts a finished task.
func ObserveTask(class, status string) {
	schedulerTasksTotal.WithLabelValues(class, status).Inc()
}

// ObserveDrain records how long a management task waited for normal work to stop.
func ObserveDrain(duration time.Duration) {
	schedulerDrainSeconds.Observe(duration.Seconds())
}

// ObserveFetch increments the fetch metrics.
func ObserveFetch(site string, status string, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	fetchPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// IncActiveDrivers increments the open drivers gauge.
func IncActiveDrivers() {
	activeDrivers.Inc()
}

// DecActiveDrivers decrements the open drivers gauge.
func DecActiveDrivers() {
	activeDrivers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware records request counts and latencies per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			routePattern = rc.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
