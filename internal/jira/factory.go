package jira

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/timekeeper/internal/metrics"
	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/security"
)

// ClientFactory はユーザーごとの接続情報からAPIクライアントを生成する。
type ClientFactory interface {
	NewAPI(creds Credentials) (API, error)
}

// ClientFactoryFunc は関数をClientFactoryとして扱うアダプタ。
type ClientFactoryFunc func(creds Credentials) (API, error)

// NewAPI はf(creds)を呼び出す。
func (f ClientFactoryFunc) NewAPI(creds Credentials) (API, error) {
	return f(creds)
}

// GuardedFactory はSSRF対策済みのHTTPクライアントでClientを生成する。
type GuardedFactory struct {
	guard    security.OutboundGuard
	timeout  time.Duration
	interval time.Duration
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

var _ ClientFactory = (*GuardedFactory)(nil)

// NewGuardedFactory はGuardedFactoryを生成する。
// intervalはJira APIへのリクエスト間隔で、0以下の場合は制限しない。
func NewGuardedFactory(
	guard security.OutboundGuard,
	timeout, interval time.Duration,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *GuardedFactory {
	return &GuardedFactory{
		guard:    guard,
		timeout:  timeout,
		interval: interval,
		metrics:  collector,
		logger:   logger,
	}
}

// NewAPI はJira URLを検証してClientを生成する。
func (f *GuardedFactory) NewAPI(creds Credentials) (API, error) {
	base, err := f.guard.NormalizeBaseURL(creds.BaseURL)
	if err != nil {
		return nil, model.NewValidationError(err.Error())
	}
	creds.BaseURL = base

	limit := rate.Inf
	if f.interval > 0 {
		limit = rate.Every(f.interval)
	}
	return NewClient(f.guard.NewClient(f.timeout), creds, rate.NewLimiter(limit, 1), f.metrics, f.logger), nil
}
