// Package jirasync はJira作業ログの定期取り込みを提供する。
// Jira連携を設定した全ユーザーを対象に、ユーザー単位で並列に取り込む。
package jirasync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/timekeeper/internal/jira"
	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/repository"
)

// Importer は1ユーザー分の作業ログ取り込みのインターフェース。
type Importer interface {
	ImportSince(ctx context.Context, userID string, since time.Time) (*jira.ImportResult, error)
}

// Scheduler はJira取り込みのスケジューリングと並列制御を行う。
// 並列化はユーザー単位で、1ユーザーの作業ログはImporter内で順に処理される。
// 失敗したユーザーは次回の実行まで再試行しない。
type Scheduler struct {
	users          repository.UserRepository
	importer       Importer
	logger         *slog.Logger
	maxConcurrency int
	lookback       time.Duration
	now            func() time.Time
}

// NewScheduler はSchedulerを生成する。
// maxConcurrencyが0以下の場合はデフォルト値5、lookbackが0以下の場合は7日を使用する。
func NewScheduler(
	users repository.UserRepository,
	importer Importer,
	logger *slog.Logger,
	maxConcurrency int,
	lookback time.Duration,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	return &Scheduler{
		users:          users,
		importer:       importer,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		lookback:       lookback,
		now:            time.Now,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Jira同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
		slog.Duration("lookback", s.lookback),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("Jira同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Jira同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("Jira同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はJira連携ユーザーを取得し、lookback期間の作業ログを並列で取り込む。
// semaphoreパターンで最大並列数を制御する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := s.now()

	users, err := s.users.ListWithJiraCredentials(ctx)
	if err != nil {
		return fmt.Errorf("Jira連携ユーザーの取得に失敗しました: %w", err)
	}

	if len(users) == 0 {
		s.logger.Info("Jira同期対象のユーザーはいません")
		return nil
	}

	since := start.Add(-s.lookback)
	s.logger.Info("Jira同期サイクルを開始します",
		slog.Int("user_count", len(users)),
		slog.Time("since", since),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed int

	for _, user := range users {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(u *model.User) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			result, err := s.importer.ImportSince(ctx, u.ID, since)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				s.logger.Error("Jira作業ログの取り込みに失敗しました",
					slog.String("user_id", u.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			if result.Errors > 0 {
				s.logger.Warn("一部の作業ログを取り込めませんでした",
					slog.String("user_id", u.ID),
					slog.Int("errors", result.Errors),
				)
			}
		}(user)
	}

	wg.Wait()

	s.logger.Info("Jira同期サイクルが完了しました",
		slog.Int("user_count", len(users)),
		slog.Int("failed_users", failed),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)
	return nil
}
