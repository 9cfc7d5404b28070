package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service. A nil *Metrics is valid
// and records nothing, so services and tests can run without one.
type Metrics struct {
	registry *prometheus.Registry

	PositionsCreated prometheus.Counter
	RegroupRuns      *prometheus.CounterVec // labels: result=ok|error
	RegroupDuration  prometheus.Histogram
	Groups           prometheus.Gauge
	ImportedTrades   *prometheus.CounterVec // labels: result=imported|skipped
	HTTPRequests     *prometheus.CounterVec // labels: method, status
}

// NewMetrics registers every collector on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PositionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "options_positions_created_total",
			Help: "Positions stored through the API, batch endpoint or import",
		}),
		RegroupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "options_regroup_runs_total",
			Help: "Regroup runs by result",
		}, []string{"result"}),
		RegroupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "options_regroup_duration_seconds",
			Help:    "Wall time of a full regroup (snapshot, grouping, persistence)",
			Buckets: prometheus.DefBuckets,
		}),
		Groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "options_trade_groups",
			Help: "Trade groups persisted by the last regroup",
		}),
		ImportedTrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "options_import_trades_total",
			Help: "Broker trades seen by the importer, by result",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "options_http_requests_total",
			Help: "HTTP requests by method and status code",
		}, []string{"method", "status"}),
	}

	m.registry.MustRegister(
		m.PositionsCreated,
		m.RegroupRuns,
		m.RegroupDuration,
		m.Groups,
		m.ImportedTrades,
		m.HTTPRequests,
	)
	return m
}

// Handler serves the exposition format for this registry only.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) positionsCreated(n int) {
	if m == nil {
		return
	}
	m.PositionsCreated.Add(float64(n))
}

func (m *Metrics) regroupDone(start time.Time, groups int, err error) {
	if m == nil {
		return
	}
	m.RegroupDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.RegroupRuns.WithLabelValues("error").Inc()
		return
	}
	m.RegroupRuns.WithLabelValues("ok").Inc()
	m.Groups.Set(float64(groups))
}

func (m *Metrics) imported(imported, skipped int) {
	if m == nil {
		return
	}
	m.ImportedTrades.WithLabelValues("imported").Add(float64(imported))
	m.ImportedTrades.WithLabelValues("skipped").Add(float64(skipped))
}

func (m *Metrics) httpRequest(method string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
