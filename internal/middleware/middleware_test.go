package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/timekeeper/internal/metrics"
	"github.com/hitoshi/timekeeper/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// statusCounter はRecordHTTPStatusの呼び出しを記録するメトリクス。
type statusCounter struct {
	metrics.Nop
	mu       sync.Mutex
	statuses []int
}

func (c *statusCounter) RecordHTTPStatus(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, code)
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

func TestWriteErrorResponse_UnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusConflict, &model.APIError{
		Code:     "ALREADY_SYNCED",
		Message:  "同期済みです。",
		Category: model.CategoryConflict,
		Action:   "操作は不要です。",
		Err:      http.ErrBodyNotAllowed,
	})

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	raw := w.Body.String()
	if strings.Contains(raw, http.ErrBodyNotAllowed.Error()) {
		t.Errorf("internal cause leaked into body: %s", raw)
	}
	body := decodeErrorBody(t, w)
	if body.Code != "ALREADY_SYNCED" || body.Category != model.CategoryConflict || body.Action == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestWriteInternalServerError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeErrorBody(t, w)
	if body.Code != "INTERNAL_ERROR" || body.Category != model.CategorySystem {
		t.Errorf("body = %+v", body)
	}
}

func TestGatewayUserMiddleware_StoresUserID(t *testing.T) {
	var got string
	h := NewGatewayUserMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := UserIDFromContext(r.Context())
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		got = id
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/timer", nil)
	req.Header.Set(UserIDHeader, " u1 ")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got != "u1" {
		t.Errorf("user id = %q, want u1", got)
	}
}

func TestGatewayUserMiddleware_MissingHeader_Returns401(t *testing.T) {
	called := false
	h := NewGatewayUserMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/timer", nil))

	if called {
		t.Error("next handler must not be called without user header")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if body := decodeErrorBody(t, w); body.Code != "UNAUTHENTICATED" {
		t.Errorf("code = %q", body.Code)
	}
}

func TestUserIDFromContext_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := UserIDFromContext(req.Context()); err != ErrNoUserID {
		t.Errorf("err = %v, want ErrNoUserID", err)
	}
}

func TestLoggingMiddleware_LogsInnerUserIDAndRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	collector := &statusCounter{}

	inner := NewGatewayUserMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h := NewLoggingMiddleware(newTestLogger(&buf), collector)(inner)

	req := httptest.NewRequest(http.MethodGet, "/api/timer", nil)
	req.Header.Set(UserIDHeader, "u42")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["user_id"] != "u42" {
		t.Errorf("user_id = %v, want u42", entry["user_id"])
	}
	if entry["status"] != float64(404) {
		t.Errorf("status = %v, want 404", entry["status"])
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if len(collector.statuses) != 1 || collector.statuses[0] != http.StatusNotFound {
		t.Errorf("recorded statuses = %v", collector.statuses)
	}
}

func TestLoggingMiddleware_ServerErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	h := NewLoggingMiddleware(newTestLogger(&buf), metrics.Nop{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteInternalServerError(w)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/timer", nil))

	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("expected ERROR level, got %s", buf.String())
	}
	if strings.Contains(buf.String(), "user_id") {
		t.Errorf("user_id should be omitted: %s", buf.String())
	}
}

func TestStatusRecorder_FlushesUnderlyingWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	var _ http.Flusher = rec
	rec.Flush()
	if !w.Flushed {
		t.Error("underlying recorder should be flushed")
	}
	if rec.Unwrap() != w {
		t.Error("Unwrap should return the wrapped writer")
	}
}

func TestRecoveryMiddleware_Returns500(t *testing.T) {
	var buf bytes.Buffer
	h := NewRecoveryMiddleware(newTestLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/timer", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if body := decodeErrorBody(t, w); body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q", body.Code)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("panic value should be logged: %s", buf.String())
	}
}

func TestCORSMiddleware_Headers(t *testing.T) {
	h := NewCORSMiddleware("https://app.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/timer", nil))

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, UserIDHeader) {
		t.Errorf("Allow-Headers = %q, want to contain %s", got, UserIDHeader)
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	called := false
	h := NewCORSMiddleware("https://app.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/timer", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if called {
		t.Error("preflight must not reach the handler")
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	h := NewSecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/reports", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

// TestMiddlewareChain_WithChi はchiルーター上でミドルウェアが連携することを検証する。
func TestMiddlewareChain_WithChi(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    2,
		SyncRate:        1,
		SyncBurst:       1,
		CleanupInterval: time.Hour,
	}, logger)
	defer rl.Stop()

	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware(logger))
	r.Use(NewLoggingMiddleware(logger, metrics.Nop{}))
	r.Use(NewSecurityHeadersMiddleware())
	r.Route("/api", func(r chi.Router) {
		r.Use(NewGatewayUserMiddleware())
		r.Use(rl.GeneralMiddleware())
		r.Get("/timer", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/timer", nil)
		if user != "" {
			req.Header.Set(UserIDHeader, user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if got := do(""); got != http.StatusUnauthorized {
		t.Errorf("no user: status = %d, want 401", got)
	}
	if got := do("u1"); got != http.StatusOK {
		t.Errorf("first: status = %d, want 200", got)
	}
	if got := do("u1"); got != http.StatusOK {
		t.Errorf("second: status = %d, want 200", got)
	}
	if got := do("u1"); got != http.StatusTooManyRequests {
		t.Errorf("third: status = %d, want 429", got)
	}
	if got := do("u2"); got != http.StatusOK {
		t.Errorf("other user: status = %d, want 200", got)
	}
}
