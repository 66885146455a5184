// Package metrics owns the gateway's prometheus registry. Labels are limited
// to values with bounded cardinality: method, route pattern, status, and the
// operation names and rules that come from the loaded policy.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-gate/internal/version"
)

// Admission outcomes used as the outcome label.
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
	OutcomeCapacity = "capacity"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight    prometheus.Gauge
	reqTotal    *prometheus.CounterVec
	reqDur      *prometheus.HistogramVec
	respBytes   *prometheus.HistogramVec
	errorsTotal *prometheus.CounterVec
	panicTotal  prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	admissionTotal  *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec
	evictionsTotal  prometheus.Counter
	capacityTotal   prometheus.Counter

	policyInfo     *prometheus.GaugeVec
	policyLoadedTs prometheus.Gauge

	statsDroppedTotal prometheus.Counter
	statsErrorsTotal  prometheus.Counter
}

func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		reg: reg,
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route, upstream time included",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		panicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		admissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission decisions by operation and outcome (allowed, rejected, capacity)",
		}, []string{"operation", "outcome"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_rejections_by_rule_total",
			Help: "Rejected requests by operation and the rule they exceeded",
		}, []string{"operation", "rule"}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_client_evictions_total",
			Help: "Idle client histories removed by the sweeper",
		}),
		capacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_capacity_reached_total",
			Help: "New clients turned away because the tracked client cap was reached",
		}),
		policyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "admission_policy_info",
			Help: "Loaded admission policy (labels carry identity, value is always 1)",
		}, []string{"source", "version", "sha256"}),
		policyLoadedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_policy_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the admission policy was loaded",
		}),
		statsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_stats_dropped_total",
			Help: "Decision events dropped because the stats queue was full",
		}),
		statsErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_stats_errors_total",
			Help: "Decision events the stats sink failed to record",
		}),
	}
	reg.MustRegister(
		m.inflight, m.reqTotal, m.reqDur, m.respBytes, m.errorsTotal, m.panicTotal,
		m.buildInfo, m.profilingActive,
		m.admissionTotal, m.rejectionsTotal, m.evictionsTotal, m.capacityTotal,
		m.policyInfo, m.policyLoadedTs,
		m.statsDroppedTotal, m.statsErrorsTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// Registry is exposed for tests and for collectors registered by callers.
func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

func (m *ServerMetrics) IncHttpPanic() { m.panicTotal.Inc() }

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// ObserveAdmission counts one decision. rule is the exceeded rule for
// rejections and ignored otherwise.
func (m *ServerMetrics) ObserveAdmission(operation, outcome, rule string) {
	m.admissionTotal.WithLabelValues(operation, outcome).Inc()
	if outcome == OutcomeRejected && rule != "" {
		m.rejectionsTotal.WithLabelValues(operation, rule).Inc()
	}
}

func (m *ServerMetrics) AddEvictions(n int) {
	if n > 0 {
		m.evictionsTotal.Add(float64(n))
	}
}

func (m *ServerMetrics) IncCapacityReached() { m.capacityTotal.Inc() }

// RegisterTrackedClients exposes fn as the admission_tracked_clients gauge,
// read at scrape time. Call once.
func (m *ServerMetrics) RegisterTrackedClients(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "admission_tracked_clients",
		Help: "Clients with a live request history",
	}, func() float64 { return float64(fn()) }))
}

// SetPolicy replaces the policy identity labels.
func (m *ServerMetrics) SetPolicy(source, version, sha256 string, loaded time.Time) {
	m.policyInfo.Reset()
	m.policyInfo.WithLabelValues(source, version, sha256).Set(1)
	m.policyLoadedTs.Set(float64(loaded.Unix()))
}

func (m *ServerMetrics) IncStatsDropped() { m.statsDroppedTotal.Inc() }

func (m *ServerMetrics) IncStatsError() { m.statsErrorsTotal.Inc() }
