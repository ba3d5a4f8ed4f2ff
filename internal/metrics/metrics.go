// Package metrics exposes the daemon's prometheus counters/gauges and,
// when configured, a loopback HTTP listener serving /metrics and
// /healthz (SPEC_FULL.md "metrics and health HTTP surface").
//
// Grounded on the teacher's internal/metrics package (registry
// construction, Start/Stop lifecycle), router swapped from its existing
// gorilla/mux usage.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds every prometheus collector the daemon exports.
type Metrics struct {
	LogsIngestedTotal  *prometheus.CounterVec
	LogsInsertedTotal  *prometheus.CounterVec
	QueryRequestsTotal *prometheus.CounterVec
	QueryDuration      *prometheus.HistogramVec
	StoreErrorsTotal   prometheus.Counter
	HostCPUPercent     prometheus.Gauge
	HostMemoryPercent  prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
	logger   *logrus.Logger
}

// New registers all collectors on a fresh registry.
func New(logger *logrus.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		LogsIngestedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chimera_logs_ingested_total",
			Help: "Records read from a source reader, before dedup.",
		}, []string{"source"}),
		LogsInsertedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chimera_logs_inserted_total",
			Help: "Records actually inserted into the store, after dedup.",
		}, []string{"source"}),
		QueryRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chimera_query_requests_total",
			Help: "Requests handled, by verb.",
		}, []string{"verb"}),
		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chimera_query_duration_seconds",
			Help:    "Request handling latency, by verb.",
			Buckets: prometheus.DefBuckets,
		}, []string{"verb"}),
		StoreErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chimera_store_errors_total",
			Help: "Storage-kind errors encountered while serving requests.",
		}),
		HostCPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chimera_host_cpu_percent",
			Help: "Most recently sampled host CPU utilization percentage.",
		}),
		HostMemoryPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chimera_host_memory_percent",
			Help: "Most recently sampled host memory utilization percentage.",
		}),
		registry: reg,
		logger:   logger,
	}
}

// SetHostCPUPercent updates the host CPU utilization gauge.
func (m *Metrics) SetHostCPUPercent(v float64) {
	m.HostCPUPercent.Set(v)
}

// SetHostMemoryPercent updates the host memory utilization gauge.
func (m *Metrics) SetHostMemoryPercent(v float64) {
	m.HostMemoryPercent.Set(v)
}

// ObserveRequest records one handled request's verb and latency.
func (m *Metrics) ObserveRequest(verb string, d time.Duration) {
	m.QueryRequestsTotal.WithLabelValues(verb).Inc()
	m.QueryDuration.WithLabelValues(verb).Observe(d.Seconds())
}

// IncStoreError increments the storage-kind error counter.
func (m *Metrics) IncStoreError() {
	m.StoreErrorsTotal.Inc()
}

// ObserveIngested records n records read from source, before dedup.
func (m *Metrics) ObserveIngested(source string, n int) {
	m.LogsIngestedTotal.WithLabelValues(source).Add(float64(n))
}

// ObserveInserted records n records actually inserted for source, after
// dedup.
func (m *Metrics) ObserveInserted(source string, n int) {
	m.LogsInsertedTotal.WithLabelValues(source).Add(float64(n))
}

// Start binds the /metrics and /healthz HTTP listener on addr. A caller
// that never sets CHIMERA_METRICS_ADDR never calls this, leaving the
// daemon with no extra listening sockets.
func (m *Metrics) Start(addr string) error {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	m.server = &http.Server{Addr: addr, Handler: router}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			if m.logger != nil {
				m.logger.WithError(err).Error("metrics server error")
			}
		}
	}()
	return nil
}

// Stop gracefully shuts down the metrics HTTP listener, if started.
func (m *Metrics) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
