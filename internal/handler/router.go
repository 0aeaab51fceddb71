package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/timekeeper/internal/metrics"
	"github.com/hitoshi/timekeeper/internal/middleware"
)

// HealthChecker は依存先（データベース）の疎通を確認する。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler
	Health            HealthChecker
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	Timers       TimerService
	Events       EventSubscriber
	Reports      ReportService
	Plans        PlanService
	Jira         JiraSyncService
	JiraLookback time.Duration
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアの実行順序:
//
//	Recovery → Logging → CORS → SecurityHeaders → GatewayUser → RateLimit(General)
//
// /health と /metrics はゲートウェイ認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	timerHandler := NewTimerHandler(deps.Timers, deps.Events, deps.Logger)
	reportHandler := NewReportHandler(deps.Reports, deps.Plans, deps.Logger)
	jiraHandler := NewJiraHandler(deps.Jira, deps.Logger, deps.JiraLookback)

	r.Get("/health", healthHandler(deps.Health))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewGatewayUserMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/timer", func(r chi.Router) {
			r.Get("/", timerHandler.Get)
			r.Patch("/", timerHandler.Update)
			r.Post("/start", timerHandler.Start)
			r.Post("/stop", timerHandler.Stop)
			r.Get("/events", timerHandler.Events)
		})

		r.Get("/reports", reportHandler.Reports)
		r.Get("/plan/weeks", reportHandler.PlanWeeks)

		r.Route("/jira", func(r chi.Router) {
			r.Use(deps.RateLimiter.SyncMiddleware())
			r.Post("/import", jiraHandler.Import)
			r.Post("/export/{id}", jiraHandler.Export)
		})
	})

	return r
}

// healthHandler はデータベースに到達できれば200、できなければ503を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
