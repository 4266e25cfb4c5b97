// Package metrics exposes Prometheus collectors for the analyzer service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission outcome label values.
const (
	OutcomeAccepted     = "accepted"
	OutcomeUnauthorized = "unauthorized"
	OutcomeInvalid      = "invalid_input"
	OutcomeNoTeam       = "no_team"
	OutcomeNoPlan       = "subscription_required"
	OutcomeQuota        = "quota_exceeded"
	OutcomeError        = "error"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	submissionsTotal           *prometheus.CounterVec
	quotaDenialsTotal          *prometheus.CounterVec
	schedulerPassesTotal       *prometheus.CounterVec
	schedulerPassJobs          prometheus.Histogram
	executorThrottleSeconds    prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_submissions_total",
				Help: "Total number of analysis submissions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		quotaDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_quota_denials_total",
				Help: "Submissions rejected by the daily quota, labeled by tier.",
			},
			[]string{"tier"},
		)

		schedulerPassesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_scheduler_passes_total",
				Help: "Scheduler passes run, labeled by result.",
			},
			[]string{"result"},
		)

		schedulerPassJobs = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "analyzer_scheduler_pass_jobs",
				Help:    "Number of jobs claimed per scheduler pass.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		)

		executorThrottleSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "analyzer_executor_throttle_seconds",
				Help:    "Time a crawl waited on its per-host rate limit.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSubmission counts one submission by outcome.
func ObserveSubmission(outcome string) {
	Init()
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveQuotaDenial counts a quota rejection for tier.
func ObserveQuotaDenial(tier string) {
	Init()
	quotaDenialsTotal.WithLabelValues(tier).Inc()
}

// ObservePass records a finished scheduler pass.
func ObservePass(claimed int, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	schedulerPassesTotal.WithLabelValues(result).Inc()
	schedulerPassJobs.Observe(float64(claimed))
}

// ObserveThrottleDelay records how long a crawl waited for its host's rate limit.
func ObserveThrottleDelay(d time.Duration) {
	Init()
	executorThrottleSeconds.Observe(d.Seconds())
}
