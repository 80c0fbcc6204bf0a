package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/booking/internal/platform/auth"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5}

	e := echo.New()
	handler := RateLimit(cfg)(okHandler)

	// Send 5 requests (within burst size), all should pass
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}

	e := echo.New()
	handler := RateLimit(cfg)(okHandler)

	for i := 0; i < 2; i++ {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	err := handler(c)
	if err == nil {
		t.Fatal("expected error for rate-limited request")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	ra, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || ra < 1 {
		t.Errorf("expected positive Retry-After, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_RejectedRequestDoesNotConsumeToken(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	lim := store.get("k")
	if !lim.Allow() {
		t.Fatal("expected first token")
	}
	res := lim.Reserve()
	if res.Delay() <= 0 {
		t.Fatal("expected a delay once the burst is spent")
	}
	res.Cancel()
	if d := lim.Reserve().Delay(); d > time.Second+50*time.Millisecond {
		t.Errorf("expected cancelled reservation to be returned, next delay %v", d)
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}
	e := echo.New()
	handler := RateLimit(cfg)(okHandler)

	send := func(ip, actor string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Real-IP", ip)
		if actor != "" {
			req = req.WithContext(auth.ContextWithUser(req.Context(), actor, nil))
		}
		return handler(e.NewContext(req, httptest.NewRecorder()))
	}

	if err := send("10.0.0.1", ""); err != nil {
		t.Fatalf("first client: unexpected error %v", err)
	}
	if err := send("10.0.0.1", ""); err == nil {
		t.Fatal("first client: expected second request to be limited")
	}
	if err := send("10.0.0.2", ""); err != nil {
		t.Errorf("second client should have its own bucket, got %v", err)
	}
	if err := send("10.0.0.1", "scheduler-1"); err != nil {
		t.Errorf("authenticated actor should be keyed separately, got %v", err)
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 50 {
		t.Errorf("expected RequestsPerSecond 50, got %f", cfg.RequestsPerSecond)
	}
	if cfg.BurstSize != 100 {
		t.Errorf("expected BurstSize 100, got %d", cfg.BurstSize)
	}
}

func TestLimiterStore_ReusesAndSweeps(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5, IdleTTL: time.Minute})
	now := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	l1 := store.get("key1")
	if l1 != store.get("key1") {
		t.Error("expected same limiter instance for same key")
	}
	if l1 == store.get("key2") {
		t.Error("expected different limiter for different key")
	}

	now = now.Add(2 * time.Minute)
	store.get("key3")
	if got := store.size(); got != 1 {
		t.Errorf("expected idle clients to be swept, %d remain", got)
	}
}
