/*
metrics.go - Prometheus metrics

PURPOSE:
  Counters for the engine's write paths and a request histogram, served on
  /metrics from a private registry so tests can build as many routers as
  they like.

METRICS:
  staffdesk_http_requests_total{method,route,code}
  staffdesk_http_request_duration_seconds{method,route}
  staffdesk_tasks_created_total
  staffdesk_cycles_completed_total{outcome}    advanced | already_completed
  staffdesk_visits_emitted_total{result}       ok | failed
  staffdesk_bulk_entries_total{result}         ok | failed
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "staffdesk"

// Metrics holds the collectors and their registry.
type Metrics struct {
	Registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tasksCreated    prometheus.Counter
	cyclesCompleted *prometheus.CounterVec
	visitsEmitted   *prometheus.CounterVec
	bulkEntries     *prometheus.CounterVec
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Recurring tasks created.",
		}),
		cyclesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_completed_total",
			Help:      "Cycle completions by outcome.",
		}, []string{"outcome"}),
		visitsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visits_emitted_total",
			Help:      "Visit records emitted by cycle completion.",
		}, []string{"result"}),
		bulkEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_entries_total",
			Help:      "Bulk completion entries by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.requestDuration,
		m.tasksCreated, m.cyclesCompleted, m.visitsEmitted, m.bulkEntries,
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware records count and latency per route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) taskCreated() { m.tasksCreated.Inc() }

func (m *Metrics) cycleCompleted(alreadyCompleted bool, visitsOK, visitsFailed int) {
	outcome := "advanced"
	if alreadyCompleted {
		outcome = "already_completed"
	}
	m.cyclesCompleted.WithLabelValues(outcome).Inc()
	m.visitsEmitted.WithLabelValues("ok").Add(float64(visitsOK))
	m.visitsEmitted.WithLabelValues("failed").Add(float64(visitsFailed))
}

func (m *Metrics) bulkApplied(ok, failed int) {
	m.bulkEntries.WithLabelValues("ok").Add(float64(ok))
	m.bulkEntries.WithLabelValues("failed").Add(float64(failed))
}
