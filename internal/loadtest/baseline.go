package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RegressionResult compares a run against its baseline.
type RegressionResult struct {
	Workload              string
	Baseline              *Metrics
	Current               *Metrics
	LatencyRegression     float64 // percent change of average latency
	ThroughputRegression  float64 // percent change of throughput
	ErrorRateRegression   float64 // percentage points
	SignificantRegression bool
	Details               []string
}

// SaveBaseline writes m as the baseline at path.
func SaveBaseline(m *Metrics, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create baseline directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode baseline: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadBaseline reads a baseline written by SaveBaseline.
func LoadBaseline(path string) (*Metrics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode baseline %s: %w", path, err)
	}
	return &m, nil
}

// AnalyzeRegression flags changes beyond threshold percent. Latency and
// throughput are compared in both directions; the error rate only upwards.
func AnalyzeRegression(current, baseline *Metrics, threshold float64) *RegressionResult {
	r := &RegressionResult{
		Workload: current.Workload,
		Baseline: baseline,
		Current:  current,
	}

	if baseline.AvgLatency > 0 {
		r.LatencyRegression = float64(current.AvgLatency-baseline.AvgLatency) / float64(baseline.AvgLatency) * 100
		if math.Abs(r.LatencyRegression) > threshold {
			r.SignificantRegression = true
			r.Details = append(r.Details, fmt.Sprintf("Latency regression: %.2f%% (threshold: %.2f%%)", r.LatencyRegression, threshold))
		}
	}
	if baseline.Throughput > 0 {
		r.ThroughputRegression = (current.Throughput - baseline.Throughput) / baseline.Throughput * 100
		if math.Abs(r.ThroughputRegression) > threshold {
			r.SignificantRegression = true
			r.Details = append(r.Details, fmt.Sprintf("Throughput regression: %.2f%% (threshold: %.2f%%)", r.ThroughputRegression, threshold))
		}
	}
	change := current.ErrorRate - baseline.ErrorRate
	r.ErrorRateRegression = change * 100
	if change > threshold/100 {
		r.SignificantRegression = true
		r.Details = append(r.Details, fmt.Sprintf("Error rate increased by %.2f percentage points", change*100))
	}
	if current.Mismatches > 0 {
		r.SignificantRegression = true
		r.Details = append(r.Details, fmt.Sprintf("%d decrypted plaintexts did not match", current.Mismatches))
	}
	return r
}

// PrintResults writes a human readable summary of m.
func PrintResults(w io.Writer, m *Metrics) {
	fmt.Fprintf(w, "\n=== %s Results ===\n", m.Workload)
	fmt.Fprintf(w, "Timestamp: %s\n", m.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %v\n", m.Duration)
	fmt.Fprintf(w, "Total Requests: %d\n", m.TotalRequests)
	fmt.Fprintf(w, "Successful: %d\n", m.SuccessfulRequests)
	fmt.Fprintf(w, "Failed: %d\n", m.FailedRequests)
	fmt.Fprintf(w, "Mismatches: %d\n", m.Mismatches)
	fmt.Fprintf(w, "Error Rate: %.2f%%\n", m.ErrorRate*100)
	fmt.Fprintf(w, "Throughput: %.2f req/s\n", m.Throughput)
	fmt.Fprintf(w, "Latency (avg): %v\n", m.AvgLatency)
	fmt.Fprintf(w, "Latency (p50): %v\n", m.P50Latency)
	fmt.Fprintf(w, "Latency (p95): %v\n", m.P95Latency)
	fmt.Fprintf(w, "Latency (p99): %v\n", m.P99Latency)
	fmt.Fprintf(w, "Min Latency: %v\n", m.MinLatency)
	fmt.Fprintf(w, "Max Latency: %v\n", m.MaxLatency)
	fmt.Fprintf(w, "Total Bytes Sent: %d\n", m.TotalBytesSent)
	fmt.Fprintf(w, "Total Bytes Received: %d\n", m.TotalBytesReceived)
}

// PrintRegression writes the regression analysis.
func PrintRegression(w io.Writer, r *RegressionResult) {
	fmt.Fprintf(w, "\n=== Regression Analysis for %s ===\n", r.Workload)
	fmt.Fprintf(w, "Significant Regression: %t\n", r.SignificantRegression)
	fmt.Fprintf(w, "Latency Regression: %.2f%%\n", r.LatencyRegression)
	fmt.Fprintf(w, "Throughput Regression: %.2f%%\n", r.ThroughputRegression)
	fmt.Fprintf(w, "Error Rate Regression: %.2f percentage points\n", r.ErrorRateRegression)
	for _, d := range r.Details {
		fmt.Fprintf(w, "- %s\n", d)
	}
}

// prometheusQueries are evaluated against the service's own metrics.
var prometheusQueries = map[string]string{
	"http_request_p95_seconds": `histogram_quantile(0.95, sum(rate(fieldcrypt_http_request_duration_seconds_bucket[5m])) by (le))`,
	"crypto_operation_p95":     `histogram_quantile(0.95, sum(rate(fieldcrypt_crypto_operation_duration_seconds_bucket[5m])) by (le))`,
	"dek_cache_hit_ratio":      `sum(rate(fieldcrypt_dek_cache_events_total{event="hit"}[5m])) / sum(rate(fieldcrypt_dek_cache_events_total{event=~"hit|miss"}[5m]))`,
	"vault_entries":            `max(fieldcrypt_vault_entries)`,
	"memory_alloc_bytes_avg":   `avg_over_time(fieldcrypt_memory_alloc_bytes[5m])`,
}

// QueryPrometheus evaluates the service queries at ts. Queries returning
// no samples are left out.
func QueryPrometheus(ctx context.Context, prometheusURL string, ts time.Time) (map[string]float64, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	v1api := v1.NewAPI(client)

	results := make(map[string]float64, len(prometheusQueries))
	for name, query := range prometheusQueries {
		value, _, err := v1api.Query(ctx, query, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", name, err)
		}
		switch v := value.(type) {
		case model.Vector:
			if len(v) > 0 && !math.IsNaN(float64(v[0].Value)) {
				results[name] = float64(v[0].Value)
			}
		case *model.Scalar:
			results[name] = float64(v.Value)
		}
	}
	return results, nil
}
