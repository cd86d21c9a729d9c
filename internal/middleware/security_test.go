package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("POST", "/v1/decrypt", nil))

	expected := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
	}
	for header, value := range expected {
		if got := rr.Header().Get(header); got != value {
			t.Errorf("expected %s=%q, got %q", header, value, got)
		}
	}
	if rr.Header().Get("Content-Security-Policy") == "" {
		t.Error("expected Content-Security-Policy to be set")
	}
	if rr.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS header should not be set for non-TLS requests")
	}
}

func TestSecurityHeadersMiddleware_TLS(t *testing.T) {
	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.TLS = &tls.ConnectionState{}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS header should be set for TLS requests")
	}
}

func newTestLimiter(limit int, period time.Duration, now *time.Time) *RateLimiter {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	rl := NewRateLimiter(limit, period, logger)
	rl.now = func() time.Time { return *now }
	return rl
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := newTestLimiter(3, time.Minute, &now)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("fourth request should be rejected")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other clients have their own window")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := newTestLimiter(1, time.Minute, &now)
	defer rl.Stop()

	if !rl.Allow("c") {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("c") {
		t.Fatal("second request should be rejected")
	}
	now = now.Add(time.Minute)
	if !rl.Allow("c") {
		t.Error("request after the window should be allowed")
	}
	rl.Stop() // idempotent with the deferred call
}

func TestRateLimiter_GradualRefill(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := newTestLimiter(2, time.Minute, &now)
	defer rl.Stop()

	if !rl.Allow("c") || !rl.Allow("c") {
		t.Fatal("burst of two should be allowed")
	}
	// Waiting out a window boundary does not hand back the whole burst.
	now = now.Add(30 * time.Second)
	if !rl.Allow("c") {
		t.Fatal("one token should have refilled after half the period")
	}
	if rl.Allow("c") {
		t.Error("only one token should have refilled after half the period")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := newTestLimiter(1, time.Minute, &now)
	defer rl.Stop()

	handler := RateLimitMiddleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/encrypt", nil)
	req.RemoteAddr = "192.168.1.1:5555"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected status %d, got %d", http.StatusTooManyRequests, rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}
