package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldcrypt"

// Metrics holds all application metrics. It implements crypto.Recorder.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec
	cryptoOperations    *prometheus.CounterVec
	cryptoDuration      *prometheus.HistogramVec
	cryptoBytes         *prometheus.CounterVec
	cryptoErrors        *prometheus.CounterVec
	dekCacheEvents      *prometheus.CounterVec
	vaultEntries        prometheus.Gauge
	keystoreReloads     *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
	memorySysBytes      prometheus.Gauge
}

// NewMetrics creates a metrics instance on the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a metrics instance on reg. Handler serves
// reg when it is also a Gatherer, as *prometheus.Registry is.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_response_bytes_total",
				Help:      "Total bytes written in HTTP responses",
			},
			[]string{"method", "path"},
		),
		cryptoOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crypto_operations_total",
				Help:      "Total number of encrypt, decrypt and hmac operations",
			},
			[]string{"operation", "key_type"},
		),
		cryptoDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "crypto_operation_duration_seconds",
				Help:      "Crypto operation duration in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation", "key_type"},
		),
		cryptoBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crypto_bytes_total",
				Help:      "Total plaintext bytes processed",
			},
			[]string{"operation", "key_type"},
		),
		cryptoErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crypto_errors_total",
				Help:      "Total number of crypto operation errors by kind",
			},
			[]string{"operation", "key_type", "kind"},
		),
		dekCacheEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dek_cache_events_total",
				Help:      "DEK cache events (hit, miss, create, evict, destroyed_retry)",
			},
			[]string{"event"},
		),
		vaultEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vault_entries",
				Help:      "Number of cached keys held in the in-memory vault",
			},
		),
		keystoreReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keystore_reloads_total",
				Help:      "Key catalog reloads by store and result",
			},
			[]string{"store", "result"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of in-flight HTTP requests",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_total",
				Help:      "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_alloc_bytes",
				Help:      "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_sys_bytes",
				Help:      "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordCryptoOperation records a successful crypto operation.
func (m *Metrics) RecordCryptoOperation(operation, keyType string, duration time.Duration, bytes int) {
	m.cryptoOperations.WithLabelValues(operation, keyType).Inc()
	m.cryptoDuration.WithLabelValues(operation, keyType).Observe(duration.Seconds())
	m.cryptoBytes.WithLabelValues(operation, keyType).Add(float64(bytes))
}

// RecordCryptoError records a failed crypto operation.
func (m *Metrics) RecordCryptoError(operation, keyType, kind string) {
	if kind == "" {
		kind = "unknown"
	}
	m.cryptoErrors.WithLabelValues(operation, keyType, kind).Inc()
}

// RecordDEKCacheEvent records a DEK cache event.
func (m *Metrics) RecordDEKCacheEvent(event string) {
	m.dekCacheEvents.WithLabelValues(event).Inc()
}

// SetVaultEntries sets the vault size gauge.
func (m *Metrics) SetVaultEntries(n int) {
	m.vaultEntries.Set(float64(n))
}

// RecordKeystoreReload records a key catalog reload.
func (m *Metrics) RecordKeystoreReload(store string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.keystoreReloads.WithLabelValues(store, result).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections gauge.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections gauge.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector updates system metrics every interval until
// ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.UpdateSystemMetrics()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
