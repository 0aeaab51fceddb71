package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/timekeeper/internal/jira"
	"github.com/hitoshi/timekeeper/internal/metrics"
	"github.com/hitoshi/timekeeper/internal/middleware"
	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/plan"
	"github.com/hitoshi/timekeeper/internal/realtime"
	"github.com/hitoshi/timekeeper/internal/report"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// --- モック ---

type mockTimerService struct {
	startFn  func(ctx context.Context, userID, issue, projectID string) (*model.ActiveTimer, error)
	updateFn func(ctx context.Context, userID string, issue, projectID *string) (*model.ActiveTimer, error)
	getFn    func(ctx context.Context, userID string) (*model.ActiveTimer, error)
	stopFn   func(ctx context.Context, userID string) ([]*model.TimerEntry, error)
}

func (m *mockTimerService) Start(ctx context.Context, userID, issue, projectID string) (*model.ActiveTimer, error) {
	return m.startFn(ctx, userID, issue, projectID)
}

func (m *mockTimerService) Update(ctx context.Context, userID string, issue, projectID *string) (*model.ActiveTimer, error) {
	return m.updateFn(ctx, userID, issue, projectID)
}

func (m *mockTimerService) Get(ctx context.Context, userID string) (*model.ActiveTimer, error) {
	return m.getFn(ctx, userID)
}

func (m *mockTimerService) Stop(ctx context.Context, userID string) ([]*model.TimerEntry, error) {
	return m.stopFn(ctx, userID)
}

type mockReportService struct {
	queryFn func(ctx context.Context, q report.Query) ([]report.Row, error)
}

func (m *mockReportService) Query(ctx context.Context, q report.Query) ([]report.Row, error) {
	return m.queryFn(ctx, q)
}

type mockPlanService struct {
	weeksFn func(ctx context.Context, q plan.Query) ([]plan.WeekBucket, error)
}

func (m *mockPlanService) Weeks(ctx context.Context, q plan.Query) ([]plan.WeekBucket, error) {
	return m.weeksFn(ctx, q)
}

type mockJiraService struct {
	importFn func(ctx context.Context, userID string, since time.Time) (*jira.ImportResult, error)
	exportFn func(ctx context.Context, userID, entryID string) (*model.TimerEntry, error)
}

func (m *mockJiraService) ImportSince(ctx context.Context, userID string, since time.Time) (*jira.ImportResult, error) {
	return m.importFn(ctx, userID, since)
}

func (m *mockJiraService) ExportTimer(ctx context.Context, userID, entryID string) (*model.TimerEntry, error) {
	return m.exportFn(ctx, userID, entryID)
}

type mockSubscriber struct {
	subscribeFn func(userID string) (<-chan realtime.Message, func())
}

func (m *mockSubscriber) Subscribe(userID string) (<-chan realtime.Message, func()) {
	return m.subscribeFn(userID)
}

type mockHealth struct{ err error }

func (m mockHealth) PingContext(context.Context) error { return m.err }

// --- ヘルパー ---

type testEnv struct {
	timers  *mockTimerService
	reports *mockReportService
	plans   *mockPlanService
	jira    *mockJiraService
	events  *mockSubscriber
	health  mockHealth
	logs    bytes.Buffer
}

func newTestEnv() *testEnv {
	return &testEnv{
		timers:  &mockTimerService{},
		reports: &mockReportService{},
		plans:   &mockPlanService{},
		jira:    &mockJiraService{},
		events:  &mockSubscriber{},
	}
}

func (e *testEnv) router(t *testing.T) http.Handler {
	t.Helper()
	logger := newTestLogger(&e.logs)
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), logger)
	t.Cleanup(rl.Stop)
	return NewRouter(&RouterDeps{
		Logger:            logger,
		Metrics:           metrics.Nop{},
		MetricsHandler:    http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics\n")) }),
		Health:            e.health,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		Timers:            e.timers,
		Events:            e.events,
		Reports:           e.reports,
		Plans:             e.plans,
		Jira:              e.jira,
		JiraLookback:      7 * 24 * time.Hour,
	})
}

func doRequest(h http.Handler, method, target, userID, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if userID != "" {
		req.Header.Set(middleware.UserIDHeader, userID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode body: %v\nraw: %s", err, w.Body.String())
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponseBody
	decodeBody(t, w, &body)
	return body.Code
}

var testStart = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

// --- タイマー ---

func TestStartTimer_Created(t *testing.T) {
	env := newTestEnv()
	env.timers.startFn = func(_ context.Context, userID, issue, projectID string) (*model.ActiveTimer, error) {
		if userID != "u1" || issue != "PRJ-1 設計" || projectID != "p1" {
			t.Errorf("args = (%q, %q, %q)", userID, issue, projectID)
		}
		return &model.ActiveTimer{UserID: userID, Issue: "PRJ-1%20%E8%A8%AD%E8%A8%88", ProjectID: projectID, StartDatetime: testStart}, nil
	}

	w := doRequest(env.router(t), http.MethodPost, "/api/timer/start", "u1", `{"issue":"PRJ-1 設計","project_id":"p1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp activeTimerResponse
	decodeBody(t, w, &resp)
	if resp.Issue != "PRJ-1 設計" {
		t.Errorf("issue = %q, want decoded label", resp.Issue)
	}
	if !resp.StartDatetime.Equal(testStart) {
		t.Errorf("start = %v", resp.StartDatetime)
	}
}

func TestStartTimer_ValidationFailsBeforeService(t *testing.T) {
	env := newTestEnv()
	env.timers.startFn = func(context.Context, string, string, string) (*model.ActiveTimer, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}
	h := env.router(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing project", `{"issue":"x"}`},
		{"invalid json", `{"issue":`},
		{"unknown field", `{"project_id":"p1","foo":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(h, http.MethodPost, "/api/timer/start", "u1", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if code := errorCode(t, w); code != model.ErrCodeValidation {
				t.Errorf("code = %q", code)
			}
		})
	}
}

func TestStartTimer_ProjectNotFound(t *testing.T) {
	env := newTestEnv()
	env.timers.startFn = func(context.Context, string, string, string) (*model.ActiveTimer, error) {
		return nil, model.NewProjectNotFoundError("p9")
	}
	w := doRequest(env.router(t), http.MethodPost, "/api/timer/start", "u1", `{"project_id":"p9"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestTimerRoutes_RequireGatewayUser(t *testing.T) {
	env := newTestEnv()
	w := doRequest(env.router(t), http.MethodGet, "/api/timer", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestUpdateTimer_PartialFields(t *testing.T) {
	env := newTestEnv()
	env.timers.updateFn = func(_ context.Context, _ string, issue, projectID *string) (*model.ActiveTimer, error) {
		if issue == nil || *issue != "" {
			t.Errorf("issue = %v, want pointer to empty string", issue)
		}
		if projectID != nil {
			t.Errorf("projectID = %v, want nil", *projectID)
		}
		return &model.ActiveTimer{Issue: model.DefaultIssueLabel, ProjectID: "p1", StartDatetime: testStart}, nil
	}

	w := doRequest(env.router(t), http.MethodPatch, "/api/timer", "u1", `{"issue":""}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestGetTimer_NoneRunning(t *testing.T) {
	env := newTestEnv()
	env.timers.getFn = func(context.Context, string) (*model.ActiveTimer, error) { return nil, nil }

	w := doRequest(env.router(t), http.MethodGet, "/api/timer", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"timer":null}` {
		t.Errorf("body = %s", got)
	}
}

func TestStopTimer_ReturnsEntries(t *testing.T) {
	env := newTestEnv()
	midnight := time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC)
	env.timers.stopFn = func(context.Context, string) ([]*model.TimerEntry, error) {
		return []*model.TimerEntry{
			{ID: "e1", ProjectID: "p1", Issue: "PRJ-1", StartDatetime: midnight.Add(-time.Hour), EndDatetime: midnight},
			{ID: "e2", ProjectID: "p1", Issue: "PRJ-1", StartDatetime: midnight, EndDatetime: midnight.Add(90 * time.Minute)},
		}, nil
	}

	w := doRequest(env.router(t), http.MethodPost, "/api/timer/stop", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Entries []timerEntryResponse `json:"entries"`
	}
	decodeBody(t, w, &resp)
	if len(resp.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(resp.Entries))
	}
	if resp.Entries[1].DurationMillis != 90*60*1000 {
		t.Errorf("duration = %d", resp.Entries[1].DurationMillis)
	}
}

func TestStopTimer_NotFound(t *testing.T) {
	env := newTestEnv()
	env.timers.stopFn = func(_ context.Context, userID string) ([]*model.TimerEntry, error) {
		return nil, model.NewTimerNotFoundError(userID)
	}
	w := doRequest(env.router(t), http.MethodPost, "/api/timer/stop", "u1", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if code := errorCode(t, w); code != model.ErrCodeTimerNotFound {
		t.Errorf("code = %q", code)
	}
}

func TestInternalError_HidesCause(t *testing.T) {
	env := newTestEnv()
	env.timers.getFn = func(context.Context, string) (*model.ActiveTimer, error) {
		return nil, errors.New("pq: connection refused")
	}
	w := doRequest(env.router(t), http.MethodGet, "/api/timer", "u1", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Errorf("cause leaked: %s", w.Body.String())
	}
	if !strings.Contains(env.logs.String(), "connection refused") {
		t.Error("cause should be logged")
	}
}

func TestTimerEvents_StreamsSSE(t *testing.T) {
	env := newTestEnv()
	env.events.subscribeFn = func(userID string) (<-chan realtime.Message, func()) {
		if userID != "u1" {
			t.Errorf("userID = %q", userID)
		}
		ch := make(chan realtime.Message, 1)
		ch <- realtime.Message{Kind: realtime.EventTimerStopped, Data: json.RawMessage("null")}
		close(ch)
		return ch, func() {}
	}

	srv := httptest.NewServer(env.router(t))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/timer/events", nil)
	req.Header.Set(middleware.UserIDHeader, "u1")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	got := strings.Join(lines, "\n")
	if !strings.Contains(got, "event: timer.stopped\ndata: null") {
		t.Errorf("stream = %q", got)
	}
}

// --- レポート・計画 ---

func TestReports_ParsesQuery(t *testing.T) {
	env := newTestEnv()
	env.reports.queryFn = func(_ context.Context, q report.Query) ([]report.Row, error) {
		if !q.Start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("start = %v", q.Start)
		}
		if !q.End.Equal(time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("end = %v", q.End)
		}
		if len(q.UserIDs) != 2 || q.UserIDs[1] != "u2" {
			t.Errorf("users = %v", q.UserIDs)
		}
		if len(q.ProjectIDs) != 1 || q.ProjectIDs[0] != "p1" {
			t.Errorf("projects = %v", q.ProjectIDs)
		}
		if q.Mode != report.ModeCombined {
			t.Errorf("mode = %q", q.Mode)
		}
		return []report.Row{{Username: "Alice", Project: "A", Issue: "PRJ-1", DurationMillis: 108000000, DurationHuman: "1d 6h"}}, nil
	}

	w := doRequest(env.router(t), http.MethodGet,
		"/api/reports?start=2024-01-01&end=2024-01-08T00:00:00Z&users=u1,u2&projects=p1&mode=combined", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var rows []reportRowResponse
	decodeBody(t, w, &rows)
	if len(rows) != 1 || rows[0].DurationHuman != "1d 6h" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestReports_InvalidParams(t *testing.T) {
	env := newTestEnv()
	env.reports.queryFn = func(context.Context, report.Query) ([]report.Row, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}
	h := env.router(t)

	for _, target := range []string{
		"/api/reports?end=2024-01-08",
		"/api/reports?start=yesterday&end=2024-01-08",
		"/api/reports?start=2024-01-01&end=2024-01-08&mode=weekly",
	} {
		w := doRequest(h, http.MethodGet, target, "u1", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
	}
}

func TestPlanWeeks_ByProject(t *testing.T) {
	env := newTestEnv()
	env.plans.weeksFn = func(_ context.Context, q plan.Query) ([]plan.WeekBucket, error) {
		if !q.ByProject {
			t.Error("ByProject should be true")
		}
		return []plan.WeekBucket{{
			WeekNumber: 1,
			Plan:       []plan.PlanItem{{ProjectName: "Vacation", Hours: 8}},
		}}, nil
	}

	w := doRequest(env.router(t), http.MethodGet, "/api/plan/weeks?start=2024-01-01&end=2024-01-08&by_project=true", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var buckets []weekBucketResponse
	decodeBody(t, w, &buckets)
	if len(buckets) != 1 || len(buckets[0].Plan) != 1 || buckets[0].Plan[0].ProjectName != "Vacation" {
		t.Errorf("buckets = %+v", buckets)
	}
}

func TestPlanWeeks_ServiceValidationError(t *testing.T) {
	env := newTestEnv()
	env.plans.weeksFn = func(context.Context, plan.Query) ([]plan.WeekBucket, error) {
		return nil, model.NewValidationError("週数が不正です")
	}
	w := doRequest(env.router(t), http.MethodGet, "/api/plan/weeks?start=2024-01-01&end=2024-01-08", "u1", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- Jira ---

func TestJiraImport_DefaultLookback(t *testing.T) {
	env := newTestEnv()
	var gotSince time.Time
	env.jira.importFn = func(_ context.Context, userID string, since time.Time) (*jira.ImportResult, error) {
		gotSince = since
		return &jira.ImportResult{Imported: 2, Updated: 1, Skipped: 3}, nil
	}

	before := time.Now()
	w := doRequest(env.router(t), http.MethodPost, "/api/jira/import", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if d := before.Sub(gotSince); d < 7*24*time.Hour-time.Minute || d > 7*24*time.Hour+time.Minute {
		t.Errorf("since is %v before now, want about 7 days", d)
	}
	var resp importResponse
	decodeBody(t, w, &resp)
	if resp.Imported != 2 || resp.Updated != 1 || resp.Skipped != 3 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestJiraImport_ExplicitSince(t *testing.T) {
	env := newTestEnv()
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	env.jira.importFn = func(_ context.Context, _ string, since time.Time) (*jira.ImportResult, error) {
		if !since.Equal(want) {
			t.Errorf("since = %v, want %v", since, want)
		}
		return &jira.ImportResult{}, nil
	}
	w := doRequest(env.router(t), http.MethodPost, "/api/jira/import", "u1", `{"since":"2024-03-01T00:00:00Z"}`)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestJiraImport_ExternalErrorIs502(t *testing.T) {
	env := newTestEnv()
	env.jira.importFn = func(context.Context, string, time.Time) (*jira.ImportResult, error) {
		return &jira.ImportResult{}, model.NewExternalServiceError("search", errors.New("timeout"))
	}
	w := doRequest(env.router(t), http.MethodPost, "/api/jira/import", "u1", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestJiraExport_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"synced", nil, http.StatusOK},
		{"not owned", model.NewEntryNotFoundError("e1"), http.StatusNotFound},
		{"already synced", model.NewAlreadySyncedError("e1"), http.StatusConflict},
		{"too short", model.NewValidationError("1分未満"), http.StatusBadRequest},
		{"credentials missing", model.NewCredentialsMissingError(), http.StatusBadRequest},
		{"jira down", model.NewExternalServiceError("post worklog", errors.New("503")), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.jira.exportFn = func(_ context.Context, userID, entryID string) (*model.TimerEntry, error) {
				if userID != "u1" || entryID != "e1" {
					t.Errorf("args = (%q, %q)", userID, entryID)
				}
				if tt.err != nil {
					return nil, tt.err
				}
				id := "10042"
				return &model.TimerEntry{
					ID: "e1", Issue: "3h%20%7C%20PRJ-1", SyncStatus: true, ExternalWorklogID: &id,
					StartDatetime: testStart, EndDatetime: testStart.Add(time.Hour),
				}, nil
			}
			w := doRequest(env.router(t), http.MethodPost, "/api/jira/export/e1", "u1", "")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// --- 運用エンドポイント ---

func TestHealth(t *testing.T) {
	env := newTestEnv()
	if w := doRequest(env.router(t), http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	env.health = mockHealth{err: errors.New("down")}
	if w := doRequest(env.router(t), http.MethodGet, "/health", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestMetricsEndpoint_NoGatewayUser(t *testing.T) {
	env := newTestEnv()
	w := doRequest(env.router(t), http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		category string
		want     int
	}{
		{model.CategoryValidation, http.StatusBadRequest},
		{model.CategoryNotFound, http.StatusNotFound},
		{model.CategoryConflict, http.StatusConflict},
		{model.CategoryExternal, http.StatusBadGateway},
		{model.CategorySystem, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := mapAPIErrorToHTTPStatus(&model.APIError{Category: tt.category}); got != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.category, got, tt.want)
		}
	}
}
