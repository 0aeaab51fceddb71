package jira

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/timekeeper/internal/keylock"
	"github.com/hitoshi/timekeeper/internal/metrics"
	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/repository"
	"github.com/hitoshi/timekeeper/internal/security"
	"github.com/hitoshi/timekeeper/internal/timecalc"
)

// minWorklogDuration はJiraに記録できる最小の作業時間。
const minWorklogDuration = time.Minute

// ImportResult は取り込み結果の件数。
type ImportResult struct {
	Imported int
	Updated  int
	Skipped  int
	Errors   int
}

// UserLocker はプロセスを跨いでユーザー単位の排他を行う。
type UserLocker interface {
	LockUser(ctx context.Context, userID string) (unlock func(), err error)
}

// Reconciler はJiraの作業ログとローカルの作業記録を同期する。
// 同一ユーザーの取り込み・書き出しはユーザーごとのロックで直列化する。
// APIサーバーとワーカーの間の直列化にはWithUserLockerで共有ロックを渡す。
type Reconciler struct {
	users    repository.UserRepository
	projects repository.ProjectRepository
	entries  repository.TimerEntryRepository
	cipher   security.CredentialCipher
	factory  ClientFactory
	metrics  metrics.MetricsCollector
	logger   *slog.Logger

	locks  *keylock.Map
	shared UserLocker
	now    func() time.Time
	newID  func() string
}

// Option はReconcilerの生成オプション。
type Option func(*Reconciler)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithIDGenerator は作業記録IDの生成関数を差し替える。
func WithIDGenerator(newID func() string) Option {
	return func(r *Reconciler) { r.newID = newID }
}

// WithUserLocker はプロセスを跨いだユーザーロックを設定する。
func WithUserLocker(l UserLocker) Option {
	return func(r *Reconciler) { r.shared = l }
}

// NewReconciler はReconcilerを生成する。
func NewReconciler(
	users repository.UserRepository,
	projects repository.ProjectRepository,
	entries repository.TimerEntryRepository,
	cipher security.CredentialCipher,
	factory ClientFactory,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts ...Option,
) *Reconciler {
	r := &Reconciler{
		users:    users,
		projects: projects,
		entries:  entries,
		cipher:   cipher,
		factory:  factory,
		metrics:  collector,
		logger:   logger,
		locks:    keylock.New(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// connect はユーザーのJira接続情報を復号してAPIクライアントを生成する。
// 平文で保存されていたトークンは外部呼び出しの前に暗号化して保存し直す。
func (r *Reconciler) connect(ctx context.Context, userID string) (*model.User, API, error) {
	user, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, nil, model.NewUserNotFoundError()
	}
	if !user.Jira.Configured() {
		return nil, nil, model.NewCredentialsMissingError()
	}

	token, err := r.cipher.Decrypt(user.Jira.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("Jiraトークンの復号に失敗しました: %w", err)
	}
	if r.cipher.NeedsReencrypt(user.Jira.Token) {
		encrypted, err := r.cipher.Encrypt(token)
		if err != nil {
			return nil, nil, fmt.Errorf("Jiraトークンの暗号化に失敗しました: %w", err)
		}
		if err := r.users.UpdateJiraToken(ctx, user.ID, encrypted); err != nil {
			return nil, nil, fmt.Errorf("暗号化したJiraトークンの保存に失敗しました: %w", err)
		}
		user.Jira.Token = encrypted
		r.logger.Info("平文で保存されていたJiraトークンを暗号化しました",
			slog.String("user_id", user.ID),
		)
	}

	api, err := r.factory.NewAPI(Credentials{
		BaseURL:     user.Jira.URL,
		AccountType: user.Jira.AccountType,
		Username:    user.Jira.Username,
		Token:       token,
	})
	if err != nil {
		return nil, nil, err
	}
	return user, api, nil
}

// lockUser はプロセス内のロックを取得してから共有ロックを取得する。
func (r *Reconciler) lockUser(ctx context.Context, userID string) (func(), error) {
	unlock := r.locks.Lock(userID)
	if r.shared == nil {
		return unlock, nil
	}
	release, err := r.shared.LockUser(ctx, userID)
	if err != nil {
		unlock()
		return nil, err
	}
	return func() {
		release()
		unlock()
	}, nil
}

// ImportSince はsince以降にこのアカウントが記録した作業ログを取り込む。
// 作業ログIDで既存の作業記録と突き合わせ、なければ暦日ごとに分割して作成し、
// あれば既存の行をその場で更新する。1件ごとの失敗はログに残して処理を続ける。
func (r *Reconciler) ImportSince(ctx context.Context, userID string, since time.Time) (*ImportResult, error) {
	unlock, err := r.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := r.now()
	user, api, err := r.connect(ctx, userID)
	if err != nil {
		return nil, err
	}

	me, err := api.Myself(ctx)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	projectCache := make(map[string]*model.Project)
	jql := fmt.Sprintf(`worklogAuthor = currentUser() AND worklogDate >= "%s" ORDER BY updated ASC`,
		since.In(timecalc.Zone(user.TimezoneOffset)).Format("2006-01-02"))

	for startAt := 0; ; {
		page, err := api.SearchIssues(ctx, jql, startAt)
		if err != nil {
			r.metrics.RecordWorklogsImported(result.Imported, result.Updated, result.Errors)
			return result, err
		}
		for _, issue := range page.Issues {
			if ctx.Err() != nil {
				r.metrics.RecordWorklogsImported(result.Imported, result.Updated, result.Errors)
				return result, ctx.Err()
			}
			r.importIssue(ctx, api, user, *me, issue, since, projectCache, result)
		}
		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			break
		}
	}

	r.metrics.RecordWorklogsImported(result.Imported, result.Updated, result.Errors)
	r.logger.Info("Jira作業ログの取り込みが完了しました",
		slog.String("user_id", userID),
		slog.Int("imported", result.Imported),
		slog.Int("updated", result.Updated),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", result.Errors),
		slog.Float64("duration_ms", float64(r.now().Sub(start).Milliseconds())),
	)
	return result, nil
}

// importIssue は1課題分の作業ログを順に取り込む。
func (r *Reconciler) importIssue(
	ctx context.Context,
	api API,
	user *model.User,
	me Account,
	issue Issue,
	since time.Time,
	projectCache map[string]*model.Project,
	result *ImportResult,
) {
	worklogs, err := api.GetWorklogs(ctx, issue.ID)
	if err != nil {
		r.logger.Error("作業ログの取得に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("issue_key", issue.Key),
			slog.String("error", err.Error()),
		)
		result.Errors++
		return
	}

	project, err := r.mappedProject(ctx, issue.Fields.Project.ID, projectCache)
	if err != nil {
		r.logger.Error("紐付けプロジェクトの取得に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("issue_key", issue.Key),
			slog.String("error", err.Error()),
		)
		result.Errors++
		return
	}

	for _, wl := range worklogs {
		if !wl.Author.Same(me) {
			continue
		}
		started, err := wl.StartedAt()
		if err != nil {
			r.logger.Error("作業ログの開始時刻を解釈できません",
				slog.String("user_id", user.ID),
				slog.String("worklog_id", wl.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		if started.Before(since) {
			continue
		}
		if project == nil || wl.TimeSpentSeconds <= 0 {
			result.Skipped++
			continue
		}

		if err := r.importWorklog(ctx, user, issue, wl, started, project, result); err != nil {
			r.logger.Error("作業ログの取り込みに失敗しました",
				slog.String("user_id", user.ID),
				slog.String("worklog_id", wl.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
		}
	}
}

func (r *Reconciler) mappedProject(ctx context.Context, externalID string, cache map[string]*model.Project) (*model.Project, error) {
	if p, ok := cache[externalID]; ok {
		return p, nil
	}
	p, err := r.projects.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	cache[externalID] = p
	return p, nil
}

// importWorklog は1件の作業ログを作成または更新する。
func (r *Reconciler) importWorklog(
	ctx context.Context,
	user *model.User,
	issue Issue,
	wl Worklog,
	started time.Time,
	project *model.Project,
	result *ImportResult,
) error {
	start := ShiftToUserZone(started, wl.Author.TimeZone, user.TimezoneOffset)
	if !start.Equal(started) {
		r.logger.Info("作業ログのタイムゾーンがユーザー設定と異なるため時刻を補正しました",
			slog.String("user_id", user.ID),
			slog.String("worklog_id", wl.ID),
			slog.Int64("shift_ms", start.Sub(started).Milliseconds()),
		)
	}
	end := start.Add(time.Duration(wl.TimeSpentSeconds) * time.Second)

	label := strings.TrimSpace(issue.Key + " " + strings.TrimSpace(wl.Comment))
	encoded := timecalc.EncodeLabel(issue.Fields.TimeTracking.OriginalEstimate, label)
	title := timecalc.DecodeLabel(encoded)
	now := r.now().UTC()

	existing, err := r.entries.ListByExternalWorklogID(ctx, user.ID, wl.ID)
	if err != nil {
		return err
	}

	// 既存の行は開始時刻順に分割結果と1対1で対応させてその場で更新し、
	// 足りない暦日分は作成、余った行は削除する。行の和集合は常に作業ログの期間と一致する。
	worklogID := wl.ID
	intervals := timecalc.Split(start, end, user.TimezoneOffset)
	var changes repository.WorklogChanges
	for i, iv := range intervals {
		if i < len(existing) {
			e := existing[i]
			if e.Issue == encoded && e.ProjectID == project.ID &&
				e.StartDatetime.Equal(iv.Start) && e.EndDatetime.Equal(iv.End) {
				continue
			}
			t := title
			e.Issue = encoded
			e.Title = &t
			e.ProjectID = project.ID
			e.StartDatetime = iv.Start
			e.EndDatetime = iv.End
			e.SyncStatus = true
			e.UpdatedAt = now
			changes.Update = append(changes.Update, e)
			continue
		}
		t := title
		changes.Create = append(changes.Create, &model.TimerEntry{
			ID:                r.newID(),
			UserID:            user.ID,
			ProjectID:         project.ID,
			Issue:             encoded,
			Title:             &t,
			StartDatetime:     iv.Start,
			EndDatetime:       iv.End,
			ExternalWorklogID: &worklogID,
			SyncStatus:        true,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}
	for i := len(intervals); i < len(existing); i++ {
		changes.Delete = append(changes.Delete, existing[i].ID)
	}

	if changes.Empty() {
		result.Skipped++
		return nil
	}
	if err := r.entries.ApplyWorklogChanges(ctx, changes); err != nil {
		if errors.Is(err, repository.ErrDuplicateWorklog) {
			r.logger.Info("作業ログは別の取り込みで作成済みのためスキップしました",
				slog.String("user_id", user.ID),
				slog.String("worklog_id", wl.ID),
			)
			result.Skipped++
			return nil
		}
		return err
	}
	if len(existing) == 0 {
		result.Imported++
	} else {
		result.Updated++
	}
	return nil
}

// ShiftToUserZone は作業ログの開始時刻を、作成者のタイムゾーンでの壁時計時刻を保ったまま
// ユーザーに保存されたオフセットの時刻に移す。両者が一致する場合はそのまま返す。
// authorZoneが空または解決できない場合は開始時刻に含まれるオフセットを作成者のものとみなす。
func ShiftToUserZone(started time.Time, authorZone string, userOffsetMillis int64) time.Time {
	_, authorOffset := started.Zone()
	if authorZone != "" {
		if loc, err := time.LoadLocation(authorZone); err == nil {
			_, authorOffset = started.In(loc).Zone()
		}
	}
	userOffset := int(-userOffsetMillis / 1000)
	if authorOffset == userOffset {
		return started.UTC()
	}
	return started.UTC().Add(time.Duration(authorOffset-userOffset) * time.Second)
}

// ExportTimer は作業記録をJiraの作業ログとして書き出す。
// 書き出し後に課題の見積を取得してラベルの先頭に付与し、同期済みとして作業ログIDを保存する。
func (r *Reconciler) ExportTimer(ctx context.Context, userID, entryID string) (*model.TimerEntry, error) {
	unlock, err := r.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entry, err := r.entries.FindByID(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("作業記録の取得に失敗しました: %w", err)
	}
	if entry == nil || entry.UserID != userID {
		return nil, model.NewEntryNotFoundError(entryID)
	}
	if entry.SyncStatus {
		return nil, model.NewAlreadySyncedError(entryID)
	}
	if entry.Duration() < minWorklogDuration {
		return nil, model.NewValidationError("Jiraに記録できる作業時間は1分以上です")
	}

	label := timecalc.DecodeLabel(entry.Issue)
	key, comment := timecalc.ParseIssueLabel(label)
	if key == "" {
		return nil, model.NewValidationError("課題キーが設定されていません")
	}

	user, api, err := r.connect(ctx, userID)
	if err != nil {
		return nil, err
	}

	wl, err := api.PostWorklog(ctx, key, WorklogPayload{
		Comment:          comment,
		Started:          entry.StartDatetime.In(timecalc.Zone(user.TimezoneOffset)).Format(TimeLayout),
		TimeSpentSeconds: int64(entry.Duration() / time.Second),
	})
	if err != nil {
		return nil, err
	}

	issueRef := wl.IssueID
	if issueRef == "" {
		issueRef = key
	}
	issue := entry.Issue
	if jiraIssue, err := api.GetIssue(ctx, issueRef); err != nil {
		r.logger.Warn("見積の取得に失敗したため見積なしで同期済みにします",
			slog.String("user_id", userID),
			slog.String("worklog_id", wl.ID),
			slog.String("error", err.Error()),
		)
	} else if estimate := jiraIssue.Fields.TimeTracking.OriginalEstimate; estimate != "" {
		issue = timecalc.EncodeLabel(estimate, label)
	}

	if err := r.entries.MarkSynced(ctx, entry.ID, issue, wl.ID); err != nil {
		r.logger.Error("作業ログは作成されましたが同期状態の保存に失敗しました",
			slog.String("user_id", userID),
			slog.String("timer_id", entry.ID),
			slog.String("worklog_id", wl.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	worklogID := wl.ID
	entry.Issue = issue
	entry.ExternalWorklogID = &worklogID
	entry.SyncStatus = true

	r.metrics.RecordWorklogExported()
	r.logger.Info("作業記録をJiraへ書き出しました",
		slog.String("user_id", userID),
		slog.String("timer_id", entry.ID),
		slog.String("worklog_id", wl.ID),
	)
	return entry, nil
}
