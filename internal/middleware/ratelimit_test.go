package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newLimitedHandler(t *testing.T, mw func(http.Handler) http.Handler) http.Handler {
	t.Helper()
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func requestAs(h http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/jira/import", nil)
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	if cfg.GeneralRate != rate.Limit(2) || cfg.GeneralBurst != 120 {
		t.Errorf("general = (%v, %d)", cfg.GeneralRate, cfg.GeneralBurst)
	}
	if cfg.SyncBurst != 10 {
		t.Errorf("SyncBurst = %d, want 10", cfg.SyncBurst)
	}
}

func TestSyncMiddleware_IndependentOfGeneral(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     rate.Limit(100),
		GeneralBurst:    100,
		SyncRate:        rate.Every(time.Minute),
		SyncBurst:       1,
		CleanupInterval: time.Hour,
	}, newTestLogger(&buf))
	defer rl.Stop()

	syncH := newLimitedHandler(t, rl.SyncMiddleware())
	generalH := newLimitedHandler(t, rl.GeneralMiddleware())

	if w := requestAs(syncH, "u1"); w.Code != http.StatusOK {
		t.Fatalf("first sync: status = %d", w.Code)
	}
	w := requestAs(syncH, "u1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second sync: status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if body := decodeErrorBody(t, w); body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q", body.Code)
	}
	if w := requestAs(generalH, "u1"); w.Code != http.StatusOK {
		t.Errorf("general should not be affected: status = %d", w.Code)
	}
	if rl.SyncLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("counts = (%d, %d)", rl.SyncLimiterCount(), rl.GeneralLimiterCount())
	}
}

func TestRateLimiter_NoUser_Returns401(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(DefaultRateLimiterConfig(), newTestLogger(&buf))
	defer rl.Stop()

	w := requestAs(newLimitedHandler(t, rl.GeneralMiddleware()), "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRateLimiter_CleanupEvictsIdleEntries(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		SyncRate:        1,
		SyncBurst:       1,
		CleanupInterval: time.Hour,
	}, newTestLogger(&buf))
	defer rl.Stop()

	requestAs(newLimitedHandler(t, rl.GeneralMiddleware()), "u1")
	requestAs(newLimitedHandler(t, rl.SyncMiddleware()), "u1")

	rl.cleanup(time.Now().Add(time.Hour))
	if rl.GeneralLimiterCount() != 1 {
		t.Fatalf("entry within ttl should remain, count = %d", rl.GeneralLimiterCount())
	}

	rl.cleanup(time.Now().Add(3 * time.Hour))
	if rl.GeneralLimiterCount() != 0 || rl.SyncLimiterCount() != 0 {
		t.Errorf("idle entries should be evicted: (%d, %d)", rl.GeneralLimiterCount(), rl.SyncLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(DefaultRateLimiterConfig(), newTestLogger(&buf))
	rl.Stop()
	rl.Stop()
}
