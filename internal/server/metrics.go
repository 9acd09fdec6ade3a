package server

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"acsm-bridge/internal/adept"
)

// metrics holds the Prometheus collectors of one Server. Each Server owns a
// registry so tests can build as many servers as they like.
type metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	fulfilments     *prometheus.CounterVec
	bookBytes       prometheus.Histogram
	toolDuration    *prometheus.HistogramVec
	jobsInFlight    prometheus.Gauge
	jobsWaiting     prometheus.Gauge
	sweptDirs       prometheus.Counter
}

func newMetrics(version string) *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	f.NewGauge(prometheus.GaugeOpts{
		Name:        "acsm_build_info",
		Help:        "Build information.",
		ConstLabels: prometheus.Labels{"version": version},
	}).Set(1)

	return &metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "acsm_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acsm_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"route"}),
		fulfilments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "acsm_fulfilments_total",
			Help: "Voucher fulfilments by outcome and failed step.",
		}, []string{"outcome", "step"}),
		bookBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "acsm_book_bytes",
			Help:    "Size of delivered books.",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10),
		}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "acsm_tool_duration_seconds",
			Help:    "External tool run time by tool and result.",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"tool", "result"}),
		jobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "acsm_jobs_in_flight",
			Help: "Fulfilment jobs currently holding a slot.",
		}),
		jobsWaiting: f.NewGauge(prometheus.GaugeOpts{
			Name: "acsm_jobs_waiting",
			Help: "Fulfilment requests waiting for a slot.",
		}),
		sweptDirs: f.NewCounter(prometheus.CounterOpts{
			Name: "acsm_workdirs_swept_total",
			Help: "Stale working directories removed by the sweeper.",
		}),
	}
}

func (m *metrics) observeRequest(route, method string, status int, d time.Duration) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *metrics) observeFulfilment(step string, err error, bookSize int) {
	if err != nil {
		m.fulfilments.WithLabelValues("failed", step).Inc()
		return
	}
	m.fulfilments.WithLabelValues("succeeded", "").Inc()
	m.bookBytes.Observe(float64(bookSize))
}

// instrumentedRunner times every tool invocation.
type instrumentedRunner struct {
	next     adept.Runner
	duration *prometheus.HistogramVec
}

func (r instrumentedRunner) Run(ctx context.Context, name string, args ...string) (adept.Result, error) {
	start := time.Now()
	res, err := r.next.Run(ctx, name, args...)

	result := "ok"
	switch {
	case err != nil:
		result = "launch_error"
	case res.TimedOut:
		result = "timeout"
	case res.ExitCode != 0:
		result = "exit_error"
	}
	r.duration.WithLabelValues(filepath.Base(name), result).Observe(time.Since(start).Seconds())
	return res, err
}
