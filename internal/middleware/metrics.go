package middleware

import (
	"net/http"
	"time"

	"github.com/kenneth/fieldcrypt/internal/metrics"
)

// MetricsMiddleware records request counts, latency and sizes per route.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			start := time.Now()
			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)
			m.RecordHTTPRequest(r.Method, routeName(r), sw.statusCode, time.Since(start), sw.bytesWritten)
		})
	}
}
