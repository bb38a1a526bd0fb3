package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opd/opd/internal/platform/auth"
)

func newTestSourceLimiter(cfg RateLimitConfig, start time.Time) (*sourceLimiter, *time.Time) {
	l := newSourceLimiter(cfg)
	clock := start
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestTake_BurstThenEmpty(t *testing.T) {
	l, _ := newTestSourceLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3},
		time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		if ok, _ := l.take("10.0.0.1"); !ok {
			t.Fatalf("burst request %d should pass", i+1)
		}
	}
	ok, retryAfter := l.take("10.0.0.1")
	if ok {
		t.Fatal("request past the burst should be rejected")
	}
	if retryAfter < 1 {
		t.Errorf("retryAfter = %d, want >= 1", retryAfter)
	}
}

func TestTake_RefillsOverTime(t *testing.T) {
	l, clock := newTestSourceLimiter(RateLimitConfig{RequestsPerSecond: 2, BurstSize: 2},
		time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	l.take("10.0.0.1")
	l.take("10.0.0.1")
	if ok, _ := l.take("10.0.0.1"); ok {
		t.Fatal("bucket should be empty")
	}

	*clock = clock.Add(time.Second)
	if ok, _ := l.take("10.0.0.1"); !ok {
		t.Fatal("one second at 2 rps should refill the bucket")
	}
}

func TestTake_KeysAreIndependent(t *testing.T) {
	l, _ := newTestSourceLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1},
		time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	l.take("10.0.0.1")
	if ok, _ := l.take("10.0.0.1"); ok {
		t.Fatal("first key should be exhausted")
	}
	if ok, _ := l.take("10.0.0.2"); !ok {
		t.Fatal("a different source must have its own bucket")
	}
}

func TestRateLimit_Returns429WithHeaders(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	e := echo.New()
	handler := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("X-RateLimit-Limit = %q, want 1", rec.Header().Get("X-RateLimit-Limit"))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec = httptest.NewRecorder()
	err := handler(e.NewContext(req, rec))
	httpErr, isHTTP := err.(*echo.HTTPError)
	if !isHTTP || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
}

func TestRateLimit_HospitalScopedKeys(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	e := echo.New()
	handler := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	send := func(hospitalID string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		ctx := context.WithValue(req.Context(), auth.HospitalIDKey, hospitalID)
		req = req.WithContext(ctx)
		return handler(e.NewContext(req, httptest.NewRecorder()))
	}

	if err := send("hosp-1"); err != nil {
		t.Fatalf("hosp-1: %v", err)
	}
	if err := send("hosp-1"); err == nil {
		t.Fatal("hosp-1's bucket should be exhausted")
	}
	// Same IP, different hospital claim: separate bucket.
	if err := send("hosp-2"); err != nil {
		t.Fatalf("hosp-2 should not share hosp-1's bucket: %v", err)
	}
}
