// Package timer はユーザーごとに1件の実行中タイマーを管理する。
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/timekeeper/internal/keylock"
	"github.com/hitoshi/timekeeper/internal/metrics"
	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/realtime"
	"github.com/hitoshi/timekeeper/internal/repository"
	"github.com/hitoshi/timekeeper/internal/timecalc"
)

// Registry は実行中タイマーの開始・更新・停止を行う。
// 同一ユーザーへの操作はユーザーごとのロックで直列化する。
// 対話操作と自動停止のどちらも同じRegistryを経由する。
type Registry struct {
	timers    repository.ActiveTimerRepository
	projects  repository.ProjectRepository
	users     repository.UserRepository
	publisher realtime.Publisher
	metrics   metrics.MetricsCollector
	logger    *slog.Logger

	locks *keylock.Map
	now   func() time.Time
	newID func() string
}

// Option はRegistryの生成オプション。
type Option func(*Registry)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator は作業記録IDの生成関数を差し替える。
func WithIDGenerator(newID func() string) Option {
	return func(r *Registry) { r.newID = newID }
}

// NewRegistry はRegistryを生成する。
func NewRegistry(
	timers repository.ActiveTimerRepository,
	projects repository.ProjectRepository,
	users repository.UserRepository,
	publisher realtime.Publisher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts ...Option,
) *Registry {
	r := &Registry{
		timers:    timers,
		projects:  projects,
		users:     users,
		publisher: publisher,
		metrics:   collector,
		logger:    logger,
		locks:     keylock.New(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start はタイマーを開始する。既存の実行中タイマーは置き換える。
// issueが空の場合は既定のラベルを使用する。
func (r *Registry) Start(ctx context.Context, userID, issue, projectID string) (*model.ActiveTimer, error) {
	if projectID == "" {
		return nil, model.NewValidationError("project_id は必須です")
	}
	if err := r.ensureProject(ctx, projectID); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	// 保存時の精度に揃え、以降の開始時刻による照合を一致させる
	now := r.now().UTC().Truncate(time.Microsecond)
	timer := &model.ActiveTimer{
		UserID:        userID,
		Issue:         encodeIssue(issue),
		ProjectID:     projectID,
		StartDatetime: now,
		UpdatedAt:     now,
	}
	if err := r.timers.Upsert(ctx, timer); err != nil {
		return nil, fmt.Errorf("タイマーの開始に失敗しました: %w", err)
	}

	r.metrics.RecordTimerStarted()
	r.logger.Info("タイマーを開始しました",
		slog.String("user_id", userID),
		slog.String("project_id", projectID),
	)
	r.publish(ctx, realtime.Event{Kind: realtime.EventTimerStarted, UserID: userID, Timer: timer})
	return timer, nil
}

// Update は実行中タイマーの課題ラベル・プロジェクトを部分更新する。
// nilのフィールドは変更しない。空文字のラベルは既定のラベルになる。
func (r *Registry) Update(ctx context.Context, userID string, issue, projectID *string) (*model.ActiveTimer, error) {
	if projectID != nil {
		if *projectID == "" {
			return nil, model.NewValidationError("project_id を空にすることはできません")
		}
		if err := r.ensureProject(ctx, *projectID); err != nil {
			return nil, err
		}
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	timer, err := r.timers.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("実行中タイマーの取得に失敗しました: %w", err)
	}
	if timer == nil {
		return nil, model.NewTimerNotFoundError(userID)
	}

	if issue != nil {
		timer.Issue = encodeIssue(*issue)
	}
	if projectID != nil {
		timer.ProjectID = *projectID
	}
	timer.UpdatedAt = r.now().UTC()

	updated, err := r.timers.Update(ctx, timer)
	if err != nil {
		return nil, fmt.Errorf("タイマーの更新に失敗しました: %w", err)
	}
	if !updated {
		// 読み取り後に別プロセスが停止または再開始した
		return nil, model.NewActiveTimerConflictError(userID)
	}

	r.publish(ctx, realtime.Event{Kind: realtime.EventTimerUpdated, UserID: userID, Timer: timer})
	return timer, nil
}

// Get は実行中タイマーを返す。実行中でない場合はnilを返す。
func (r *Registry) Get(ctx context.Context, userID string) (*model.ActiveTimer, error) {
	timer, err := r.timers.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("実行中タイマーの取得に失敗しました: %w", err)
	}
	return timer, nil
}

// Stop はタイマーを停止し、[開始, 現在) をユーザーのローカル暦日ごとに分割した作業記録を作成する。
// 作業記録の作成とタイマーの削除は同一トランザクションで行う。
func (r *Registry) Stop(ctx context.Context, userID string) ([]*model.TimerEntry, error) {
	return r.stop(ctx, userID, nil)
}

// StopSession はstartedAtに開始したセッションが実行中の場合のみ停止する。
// 走査した後に別のセッションへ置き換わっていた場合はConflictを返す。
func (r *Registry) StopSession(ctx context.Context, userID string, startedAt time.Time) ([]*model.TimerEntry, error) {
	return r.stop(ctx, userID, &startedAt)
}

func (r *Registry) stop(ctx context.Context, userID string, session *time.Time) ([]*model.TimerEntry, error) {
	unlock := r.locks.Lock(userID)
	defer unlock()

	timer, err := r.timers.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("実行中タイマーの取得に失敗しました: %w", err)
	}
	if timer == nil {
		return nil, model.NewTimerNotFoundError(userID)
	}
	if session != nil && !timer.StartDatetime.Equal(*session) {
		return nil, model.NewActiveTimerConflictError(userID)
	}

	now := r.now().UTC()
	if !now.After(timer.StartDatetime) {
		// 開始と同時刻またはそれ以前の停止は作業記録を作れないため、タイマーを残したまま拒否する
		return nil, model.NewValidationError("開始時刻より後でなければ停止できません")
	}

	user, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	// 対話停止と自動停止のセッションは8時間以内のため、跨ぐローカル0時は高々1回で
	// 分割結果は1件か2件になる。長さの上限を前提にせず汎用の分割を使う。
	intervals := timecalc.Split(timer.StartDatetime, now, user.TimezoneOffset)
	entries := r.buildEntries(timer, intervals, now)

	consumed, err := r.timers.Consume(ctx, userID, timer.StartDatetime, entries)
	if err != nil {
		return nil, fmt.Errorf("タイマーの停止に失敗しました: %w", err)
	}
	if !consumed {
		// 別プロセスが先に停止または再開始した
		return nil, model.NewActiveTimerConflictError(userID)
	}

	r.metrics.RecordTimerStopped(len(entries))
	r.logger.Info("タイマーを停止しました",
		slog.String("user_id", userID),
		slog.Int("entry_count", len(entries)),
		slog.Int64("duration_ms", now.Sub(timer.StartDatetime).Milliseconds()),
	)
	r.publish(ctx, realtime.Event{Kind: realtime.EventTimerStopped, UserID: userID})
	return entries, nil
}

// MarkNotified はstartedAtに開始したセッションに経過通知の送信済みフラグを立てる。
// タイマーがない場合、別のセッションに置き換わっている場合、既に送信済みの場合はfalseを返す。
func (r *Registry) MarkNotified(ctx context.Context, userID string, startedAt time.Time) (bool, error) {
	unlock := r.locks.Lock(userID)
	defer unlock()

	timer, err := r.timers.FindByUserID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("実行中タイマーの取得に失敗しました: %w", err)
	}
	if timer == nil || !timer.StartDatetime.Equal(startedAt) || timer.Notification6hrSent {
		return false, nil
	}
	return r.timers.MarkNotified(ctx, userID, startedAt)
}

func (r *Registry) buildEntries(timer *model.ActiveTimer, intervals []timecalc.Interval, now time.Time) []*model.TimerEntry {
	title := timecalc.DecodeLabel(timer.Issue)
	entries := make([]*model.TimerEntry, 0, len(intervals))
	for _, iv := range intervals {
		t := title
		entries = append(entries, &model.TimerEntry{
			ID:            r.newID(),
			UserID:        timer.UserID,
			ProjectID:     timer.ProjectID,
			Issue:         timer.Issue,
			Title:         &t,
			StartDatetime: iv.Start,
			EndDatetime:   iv.End,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return entries
}

func (r *Registry) ensureProject(ctx context.Context, projectID string) error {
	project, err := r.projects.FindByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("プロジェクトの取得に失敗しました: %w", err)
	}
	if project == nil {
		return model.NewProjectNotFoundError(projectID)
	}
	return nil
}

// publish は状態変更イベントを送出する。変更は確定済みのため失敗はログに残す。
func (r *Registry) publish(ctx context.Context, ev realtime.Event) {
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Error("タイマーイベントの送出に失敗しました",
			slog.String("user_id", ev.UserID),
			slog.String("event", ev.Kind.String()),
			slog.String("error", err.Error()),
		)
	}
}

func encodeIssue(issue string) string {
	issue = strings.TrimSpace(issue)
	if issue == "" {
		issue = model.DefaultIssueLabel
	}
	return timecalc.EscapeLabel(issue)
}
