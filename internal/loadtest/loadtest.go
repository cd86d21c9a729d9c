// Package loadtest drives the encryption API with concurrent workers and
// compares the outcome against a stored baseline.
package loadtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/fieldcrypt/internal/api"
)

// Workload names.
const (
	WorkloadEncrypt   = "encrypt"
	WorkloadRoundTrip = "roundtrip"
	WorkloadHmac      = "hmac"
)

// Config holds the load test parameters.
type Config struct {
	TargetURL   string
	Workload    string
	KeyID       string // empty uses the current encryption key
	NumWorkers  int
	Duration    time.Duration
	QPS         int // per worker
	PayloadSize int
	Timeout     time.Duration
}

// Metrics is the result of one run. It is also the baseline file format.
type Metrics struct {
	Timestamp          time.Time     `json:"timestamp"`
	Workload           string        `json:"workload"`
	Duration           time.Duration `json:"duration"`
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	Mismatches         int64         `json:"mismatches"`
	P50Latency         time.Duration `json:"p50_latency"`
	P95Latency         time.Duration `json:"p95_latency"`
	P99Latency         time.Duration `json:"p99_latency"`
	AvgLatency         time.Duration `json:"avg_latency"`
	MinLatency         time.Duration `json:"min_latency"`
	MaxLatency         time.Duration `json:"max_latency"`
	Throughput         float64       `json:"throughput_req_per_sec"`
	TotalBytesSent     int64         `json:"total_bytes_sent"`
	TotalBytesReceived int64         `json:"total_bytes_received"`
	ErrorRate          float64       `json:"error_rate"`
}

func (c *Config) validate() error {
	switch c.Workload {
	case WorkloadEncrypt, WorkloadRoundTrip, WorkloadHmac:
	default:
		return fmt.Errorf("unknown workload %q", c.Workload)
	}
	if c.TargetURL == "" {
		return fmt.Errorf("target url is required")
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.QPS <= 0 {
		return fmt.Errorf("qps must be positive")
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if c.PayloadSize < 0 {
		return fmt.Errorf("payload size must not be negative")
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

type recorder struct {
	mu        sync.Mutex
	latencies []time.Duration

	total, ok, failed, mismatches atomic.Int64
	sent, received                atomic.Int64
}

func (r *recorder) observe(d time.Duration) {
	r.mu.Lock()
	r.latencies = append(r.latencies, d)
	r.mu.Unlock()
}

// Run sends requests until cfg.Duration elapses or ctx is done.
func Run(ctx context.Context, cfg Config, logger *logrus.Logger) (*Metrics, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"target":   cfg.TargetURL,
		"workload": cfg.Workload,
		"workers":  cfg.NumWorkers,
		"qps":      cfg.QPS,
		"duration": cfg.Duration,
	}).Info("Starting load test")

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	interval := time.Second / time.Duration(cfg.QPS)
	if interval <= 0 {
		interval = time.Millisecond
	}

	rec := &recorder{}
	client := &http.Client{Timeout: cfg.Timeout}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < cfg.NumWorkers; i++ {
		payload := make([]byte, cfg.PayloadSize)
		if _, err := rand.Read(payload); err != nil {
			return nil, fmt.Errorf("failed to generate payload: %w", err)
		}
		w := &worker{id: i, cfg: cfg, client: client, payload: payload, rec: rec, logger: logger}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx, interval)
		}()
	}
	wg.Wait()

	return summarize(cfg.Workload, time.Since(start), rec), nil
}

type worker struct {
	id      int
	cfg     Config
	client  *http.Client
	payload []byte
	rec     *recorder
	logger  *logrus.Logger
}

func (w *worker) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqStart := time.Now()
			err := w.once(ctx)
			latency := time.Since(reqStart)
			if ctx.Err() != nil {
				// The run ended mid-request; do not count it.
				return
			}
			w.rec.total.Add(1)
			if err != nil {
				w.rec.failed.Add(1)
				w.logger.WithError(err).WithField("worker", w.id).Debug("Request failed")
				continue
			}
			w.rec.ok.Add(1)
			w.rec.observe(latency)
		}
	}
}

func (w *worker) once(ctx context.Context) error {
	switch w.cfg.Workload {
	case WorkloadHmac:
		var resp api.HmacResponse
		return w.post(ctx, "/v1/hmac", api.HmacRequest{Values: [][]byte{w.payload}}, &resp)
	case WorkloadEncrypt:
		var resp api.EncryptResponse
		return w.post(ctx, "/v1/encrypt", api.EncryptRequest{KeyID: w.cfg.KeyID, Plaintext: w.payload}, &resp)
	default:
		var enc api.EncryptResponse
		if err := w.post(ctx, "/v1/encrypt", api.EncryptRequest{KeyID: w.cfg.KeyID, Plaintext: w.payload}, &enc); err != nil {
			return err
		}
		var dec api.DecryptResponse
		if err := w.post(ctx, "/v1/decrypt", api.DecryptRequest{Envelope: enc.Envelope}, &dec); err != nil {
			return err
		}
		if !bytes.Equal(dec.Plaintext, w.payload) {
			w.rec.mismatches.Add(1)
			return fmt.Errorf("decrypted plaintext does not match")
		}
		return nil
	}
}

func (w *worker) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.TargetURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	w.rec.sent.Add(int64(len(raw)))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	w.rec.received.Add(int64(len(data)))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return json.Unmarshal(data, out)
}

func summarize(workload string, elapsed time.Duration, rec *recorder) *Metrics {
	m := &Metrics{
		Timestamp:          time.Now().UTC(),
		Workload:           workload,
		Duration:           elapsed,
		TotalRequests:      rec.total.Load(),
		SuccessfulRequests: rec.ok.Load(),
		FailedRequests:     rec.failed.Load(),
		Mismatches:         rec.mismatches.Load(),
		TotalBytesSent:     rec.sent.Load(),
		TotalBytesReceived: rec.received.Load(),
	}

	rec.mu.Lock()
	latencies := append([]time.Duration(nil), rec.latencies...)
	rec.mu.Unlock()
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		m.MinLatency = latencies[0]
		m.MaxLatency = latencies[len(latencies)-1]
		m.AvgLatency = averageLatency(latencies)
		m.P50Latency = percentile(latencies, 0.50)
		m.P95Latency = percentile(latencies, 0.95)
		m.P99Latency = percentile(latencies, 0.99)
	}
	if elapsed > 0 {
		m.Throughput = float64(m.TotalRequests) / elapsed.Seconds()
	}
	if m.TotalRequests > 0 {
		m.ErrorRate = float64(m.FailedRequests) / float64(m.TotalRequests)
	}
	return m
}

func averageLatency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

// percentile expects sorted latencies.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
