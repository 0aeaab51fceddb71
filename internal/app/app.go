package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/timekeeper/internal/config"
	"github.com/hitoshi/timekeeper/internal/database"
	"github.com/hitoshi/timekeeper/internal/handler"
	"github.com/hitoshi/timekeeper/internal/jira"
	"github.com/hitoshi/timekeeper/internal/logger"
	"github.com/hitoshi/timekeeper/internal/metrics"
	"github.com/hitoshi/timekeeper/internal/middleware"
	"github.com/hitoshi/timekeeper/internal/notify"
	"github.com/hitoshi/timekeeper/internal/plan"
	"github.com/hitoshi/timekeeper/internal/realtime"
	"github.com/hitoshi/timekeeper/internal/report"
	"github.com/hitoshi/timekeeper/internal/repository"
	"github.com/hitoshi/timekeeper/internal/security"
	"github.com/hitoshi/timekeeper/internal/timer"
	"github.com/hitoshi/timekeeper/internal/worker/autostop"
	"github.com/hitoshi/timekeeper/internal/worker/jirasync"
)

// Init は環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// wが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	log := logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level := logger.ParseLevel(cfg.LogLevel); level != slog.LevelInfo {
		log = logger.SetupDefault(w, level)
	}
	return cfg, log, nil
}

// components はDB接続から組み立てたドメインサービス群。
type components struct {
	db         *sql.DB
	registry   *prometheus.Registry
	collector  *metrics.Collector
	users      *repository.PostgresUserRepo
	timers     *repository.PostgresActiveTimerRepo
	entries    *repository.PostgresTimerEntryRepo
	timerReg   *timer.Registry
	reconciler *jira.Reconciler
	reports    *report.Service
	plans      *plan.Service
}

// wire はDB接続を開き、全依存関係を組み立てる。呼び出し元はdbをCloseする。
func wire(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, 10*time.Second); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("データベースに接続しました")

	cipher, err := security.NewAESCipher(cfg.CredentialKey)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init credential cipher: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	c := &components{
		db:        db,
		registry:  reg,
		collector: collector,
		users:     repository.NewPostgresUserRepo(db),
		timers:    repository.NewPostgresActiveTimerRepo(db),
		entries:   repository.NewPostgresTimerEntryRepo(db),
	}
	projects := repository.NewPostgresProjectRepo(db)
	publisher := realtime.NewPGPublisher(db, cfg.RealtimeChannel)

	c.timerReg = timer.NewRegistry(c.timers, projects, c.users, publisher, collector, log)
	factory := jira.NewGuardedFactory(security.NewOutboundGuard(), cfg.JiraTimeout, cfg.JiraRequestInterval, collector, log)
	// API・ワーカー・CLIの同一ユーザーの同期はアドバイザリロックで直列化する
	c.reconciler = jira.NewReconciler(c.users, projects, c.entries, cipher, factory, collector, log,
		jira.WithUserLocker(database.NewAdvisoryLocker(db, "jira")),
	)
	c.reports = report.NewService(c.entries)
	c.plans = plan.NewService(repository.NewPostgresPlanResourceRepo(db))
	return c, nil
}

// runServe はAPIサーバーとリアルタイム中継を起動し、ctxのキャンセルでグレースフルシャットダウンする。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.db.Close()

	hub := realtime.NewHub(log, 16)
	listener := realtime.NewListener(cfg.DatabaseURL, cfg.RealtimeChannel, hub, log)

	rl := middleware.NewRateLimiter(rateLimiterConfig(cfg), log)
	defer rl.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		Metrics:           c.collector,
		MetricsHandler:    metrics.Handler(c.registry),
		Health:            c.db,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rl,
		Timers:            c.timerReg,
		Events:            hub,
		Reports:           c.reports,
		Plans:             c.plans,
		Jira:              c.reconciler,
		JiraLookback:      cfg.JiraSyncLookback,
	})

	// SSEは長時間接続のためWriteTimeoutを設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("リアルタイム中継が停止しました", slog.String("error", err.Error()))
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("APIサーバーを起動します", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("APIサーバーを停止しています")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	wg.Wait()
	log.Info("APIサーバーを停止しました")
	return nil
}

// runWorker はセッション上限・title補完・Jira定期取り込みを起動する。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.db.Close()

	sender := notify.NewSender(notify.SMTPConfig{
		Addr:     cfg.SMTPAddr,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	}, log)

	sessionJob := autostop.NewSessionLimitJob(c.timers, c.users, c.timerReg, sender, c.collector, log, autostop.SessionConfig{
		NotifyAfter: cfg.SessionNotifyAfter,
		StopAfter:   cfg.SessionAutostopAfter,
	})
	backfillJob := autostop.NewTitleBackfillJob(c.entries, c.collector, log)
	scheduler := jirasync.NewScheduler(c.users, c.reconciler, log, cfg.JiraSyncMaxConcurrent, cfg.JiraSyncLookback)

	log.Info("ワーカーを起動します",
		slog.Duration("autostop_interval", cfg.AutostopInterval),
		slog.Duration("jira_sync_interval", cfg.JiraSyncInterval),
		slog.Int("jira_sync_max_concurrent", cfg.JiraSyncMaxConcurrent),
	)

	var wg sync.WaitGroup
	for _, run := range []func(){
		func() { sessionJob.Start(ctx, cfg.AutostopInterval) },
		func() { backfillJob.Start(ctx, cfg.TitleBackfillInterval) },
		func() { scheduler.Start(ctx, cfg.JiraSyncInterval) },
	} {
		wg.Add(1)
		go func(run func()) {
			defer wg.Done()
			run()
		}(run)
	}
	wg.Wait()

	log.Info("ワーカーを停止しました")
	return nil
}

// runMigrate は未適用のマイグレーションを順番に適用する。
// downが正の場合は直近のマイグレーションをdown件取り消す。
func runMigrate(cfg *config.Config, log *slog.Logger, down int) error {
	log.Info("マイグレーションを実行します",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("down", down),
	)
	if down > 0 {
		if err := database.RollbackMigrations(cfg.DatabaseURL, down); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	} else if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	log.Info("マイグレーションが完了しました",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はdistroless環境のDockerヘルスチェック用に /health を呼び出す。
func runHealthcheck(ctx context.Context, port string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", port), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rc := middleware.DefaultRateLimiterConfig()
	rc.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rc.GeneralBurst = cfg.RateLimitGeneral
	rc.SyncRate = rate.Limit(float64(cfg.RateLimitSync) / 60.0)
	rc.SyncBurst = cfg.RateLimitSync
	return rc
}

// maskDatabaseURL はデータベースURLのパスワードを伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
