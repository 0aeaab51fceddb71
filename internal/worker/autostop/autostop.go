// Package autostop は実行中タイマーのセッション上限と作業記録のtitle補完を行う定期ジョブを提供する。
// 経過時間は実行のたびに現在時刻から計算し直し、タイマーごとのアラームは保持しない。
package autostop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/timekeeper/internal/metrics"
	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/notify"
	"github.com/hitoshi/timekeeper/internal/repository"
	"github.com/hitoshi/timekeeper/internal/timecalc"
)

// TimerController は自動停止ジョブが使用するタイマー操作。
// 対話操作と同じユーザーごとのロックを経由させるためRegistryを渡す。
// どちらの操作も走査時に読んだ開始時刻のセッションだけを対象にする。
type TimerController interface {
	StopSession(ctx context.Context, userID string, startedAt time.Time) ([]*model.TimerEntry, error)
	MarkNotified(ctx context.Context, userID string, startedAt time.Time) (bool, error)
}

// SessionConfig はセッション上限の設定。
type SessionConfig struct {
	// NotifyAfter は警告通知を送るまでの経過時間（デフォルト: 6時間）。
	NotifyAfter time.Duration
	// StopAfter は自動停止するまでの経過時間（デフォルト: 8時間）。
	StopAfter time.Duration
}

// DefaultSessionConfig はデフォルトのセッション上限を返す。
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		NotifyAfter: 6 * time.Hour,
		StopAfter:   8 * time.Hour,
	}
}

// SessionLimitJob は長時間動作しているタイマーへの警告通知と自動停止を行う。
type SessionLimitJob struct {
	timers     repository.ActiveTimerRepository
	users      repository.UserRepository
	controller TimerController
	sender     notify.Sender
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	config     SessionConfig
	now        func() time.Time
}

// NewSessionLimitJob はSessionLimitJobを生成する。
func NewSessionLimitJob(
	timers repository.ActiveTimerRepository,
	users repository.UserRepository,
	controller TimerController,
	sender notify.Sender,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config SessionConfig,
) *SessionLimitJob {
	return &SessionLimitJob{
		timers:     timers,
		users:      users,
		controller: controller,
		sender:     sender,
		metrics:    collector,
		logger:     logger,
		config:     config,
		now:        time.Now,
	}
}

// Start はジョブをティッカーで定期実行する。
func (j *SessionLimitJob) Start(ctx context.Context, interval time.Duration) {
	runEvery(ctx, j.logger, "セッション上限ジョブ", interval, j.RunOnce)
}

// RunOnce は警告通知の閾値を超えたタイマーを走査する。
// 停止閾値を超えたタイマーは停止して通知し、それ以外は未通知の場合のみ1回通知する。
// 1件ごとの失敗はログに残して処理を続ける。
func (j *SessionLimitJob) RunOnce(ctx context.Context) error {
	now := j.now()
	timers, err := j.timers.ListStartedBefore(ctx, now.Add(-j.config.NotifyAfter))
	if err != nil {
		return fmt.Errorf("長時間タイマーの取得に失敗しました: %w", err)
	}

	var stopped, notified int
	for _, t := range timers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		elapsed := t.Elapsed(now)
		if elapsed >= j.config.StopAfter {
			if j.stop(ctx, t, elapsed) {
				stopped++
			}
			continue
		}
		if t.Notification6hrSent {
			continue
		}
		if j.warn(ctx, t, elapsed) {
			notified++
		}
	}

	j.logger.Info("セッション上限ジョブが完了しました",
		slog.Int("target_count", len(timers)),
		slog.Int("stopped", stopped),
		slog.Int("notified", notified),
	)
	return nil
}

func (j *SessionLimitJob) stop(ctx context.Context, t *model.ActiveTimer, elapsed time.Duration) bool {
	entries, err := j.controller.StopSession(ctx, t.UserID, t.StartDatetime)
	if err != nil {
		if model.HasCode(err, model.ErrCodeTimerNotFound) || model.HasCode(err, model.ErrCodeActiveTimerConflict) {
			// 走査後にユーザーが停止または再開始した
			j.logger.Info("タイマーは既に停止されています",
				slog.String("user_id", t.UserID),
			)
			return false
		}
		j.logger.Error("タイマーの自動停止に失敗しました",
			slog.String("user_id", t.UserID),
			slog.String("error", err.Error()),
		)
		return false
	}

	j.metrics.RecordAutostop()
	j.logger.Info("タイマーを自動停止しました",
		slog.String("user_id", t.UserID),
		slog.Int("entry_count", len(entries)),
		slog.Duration("elapsed", elapsed),
	)
	j.send(ctx, t, notify.Autostopped, elapsed)
	return true
}

// warn は通知済みフラグを先に立ててから警告を送る。送信に失敗しても再送はしない。
func (j *SessionLimitJob) warn(ctx context.Context, t *model.ActiveTimer, elapsed time.Duration) bool {
	marked, err := j.controller.MarkNotified(ctx, t.UserID, t.StartDatetime)
	if err != nil {
		j.logger.Error("通知済みフラグの更新に失敗しました",
			slog.String("user_id", t.UserID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !marked {
		return false
	}
	j.metrics.RecordSessionNotification()
	j.send(ctx, t, notify.SessionWarning, elapsed)
	return true
}

func (j *SessionLimitJob) send(
	ctx context.Context,
	t *model.ActiveTimer,
	template func(name, issue string, elapsed time.Duration) notify.Message,
	elapsed time.Duration,
) {
	user, err := j.users.FindByID(ctx, t.UserID)
	if err != nil || user == nil || user.Email == "" {
		j.logger.Warn("通知先のユーザーが見つからないため通知を送信しません",
			slog.String("user_id", t.UserID),
		)
		return
	}
	msg := template(user.Name, timecalc.DecodeLabel(t.Issue), elapsed)
	if err := j.sender.Send(ctx, user.Email, msg.Subject, msg.Body); err != nil {
		j.logger.Error("通知の送信に失敗しました",
			slog.String("user_id", t.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// runEvery は起動直後に1回runを実行し、以降はinterval間隔で実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func runEvery(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, run func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info(name+"を開始しました", slog.Duration("interval", interval))

	if err := run(ctx); err != nil {
		logger.Error(name+"の実行に失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info(name + "を停止しました")
			return
		case <-ticker.C:
			if err := run(ctx); err != nil {
				logger.Error(name+"の実行に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}
