// Package metrics holds the Prometheus collectors for report submission and
// compliance monitoring. Collectors are package level and registered once
// by the server command.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

var Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "phreport_state_transitions_total",
	Help: "Report lifecycle transitions, partitioned by source and target status.",
}, []string{"from", "to"})

var Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "phreport_submissions_total",
	Help: "Registry submission attempts, partitioned by registry, method and outcome.",
}, []string{"registry", "method", "outcome"})

var SubmissionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "phreport_submission_duration_seconds",
	Help:    "Time spent waiting on a registry for a single submission.",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
}, []string{"registry", "method"})

var OverdueReports = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "phreport_overdue_reports",
	Help: "Reports past their reporting deadline at the last compliance scan.",
})

var HighPriorityPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "phreport_high_priority_pending_reports",
	Help: "Urgent and immediate reports not yet submitted at the last compliance scan.",
}, []string{"priority"})

var Escalations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "phreport_escalations_total",
	Help: "Escalation events, partitioned by kind and result.",
}, []string{"kind", "result"})

var HttpReqs = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "http_requests_total",
	Help: "How many HTTP requests processed, partitioned by status code and HTTP method.",
}, []string{"code", "method"})

// Collectors lists every collector defined here.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Transitions, Submissions, SubmissionDuration,
		OverdueReports, HighPriorityPending, Escalations, HttpReqs,
	}
}

// RegisterMetrics adds collectors to the default registry.
func RegisterMetrics(c ...prometheus.Collector) {
	prometheus.MustRegister(c...)
}

// ObserveSubmission records one submission attempt.
func ObserveSubmission(registry, method, outcome string, took time.Duration) {
	Submissions.WithLabelValues(registry, method, outcome).Inc()
	SubmissionDuration.WithLabelValues(registry, method).Observe(took.Seconds())
}

// TrackHTTP counts requests by response code and method.
func TrackHTTP() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			code := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
			}
			HttpReqs.WithLabelValues(strconv.Itoa(code), c.Request().Method).Inc()
			return err
		}
	}
}
