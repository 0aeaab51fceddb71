// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/timekeeper/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// ListWithJiraCredentials はJira連携情報が登録されたユーザー一覧を返す。
	ListWithJiraCredentials(ctx context.Context) ([]*model.User, error)

	// UpdateJiraToken はJiraトークン（暗号化済み）を更新する。
	UpdateJiraToken(ctx context.Context, userID, token string) error
}

// ProjectRepository はプロジェクトデータの永続化インターフェース。
type ProjectRepository interface {
	// FindByID は指定IDのプロジェクトを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Project, error)

	// FindByExternalID は紐付けたJiraプロジェクトIDでプロジェクトを検索する。
	// 見つからない場合はnilを返す。
	FindByExternalID(ctx context.Context, externalProjectID string) (*model.Project, error)
}

// ActiveTimerRepository は実行中タイマーの永続化インターフェース。
// user_idを主キーとし、ユーザーごとに1行のみ保持する。
type ActiveTimerRepository interface {
	// FindByUserID は指定ユーザーの実行中タイマーを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.ActiveTimer, error)

	// Upsert は実行中タイマーをuser_idをキーに原子的にINSERTまたは置き換える。
	Upsert(ctx context.Context, timer *model.ActiveTimer) error

	// ListStartedBefore は指定時刻より前に開始された実行中タイマーを開始時刻順で返す。
	ListStartedBefore(ctx context.Context, before time.Time) ([]*model.ActiveTimer, error)

	// Update は開始時刻が一致する実行中タイマーの課題ラベル・プロジェクトを更新する。
	// 別のセッションに置き換わっていた場合はfalseを返す。
	Update(ctx context.Context, timer *model.ActiveTimer) (bool, error)

	// MarkNotified はstartedAtに開始したセッションに6時間経過通知の送信済みフラグを立てる。
	// 該当セッションがないか既に送信済みの場合はfalseを返す。
	MarkNotified(ctx context.Context, userID string, startedAt time.Time) (bool, error)

	// Consume は作業記録の作成と実行中タイマーの削除を同一トランザクションで行う。
	// startedAtに開始したセッションが既に存在しない場合は何も作成せずfalseを返す。
	// 削除と作成は開始時刻で照合するため、プロセスを跨いだ停止と再開始の競合でも
	// 新しいセッションを削除しない。
	Consume(ctx context.Context, userID string, startedAt time.Time, entries []*model.TimerEntry) (bool, error)
}

// TimerEntryRepository は作業記録の永続化インターフェース。
type TimerEntryRepository interface {
	// FindByID は指定IDの作業記録を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.TimerEntry, error)

	// ListByExternalWorklogID はユーザーIDとJira作業ログIDに紐づく作業記録を開始時刻順で返す。
	// 暦日ごとに分割された作業ログは複数行になる。
	ListByExternalWorklogID(ctx context.Context, userID, worklogID string) ([]*model.TimerEntry, error)

	// ApplyWorklogChanges は1件の作業ログに対応する作業記録の更新・作成・削除を同一トランザクションで行う。
	// 別の取り込みが同じ作業ログの行を先に作成していた場合はErrDuplicateWorklogを返す。
	ApplyWorklogChanges(ctx context.Context, changes WorklogChanges) error

	// MarkSynced はJiraへの同期完了を記録し、見積付きラベルと作業ログIDを保存する。
	MarkSynced(ctx context.Context, id, issue, worklogID string) error

	// ListForReport は期間と重なる作業記録をユーザー名・プロジェクト名付きで開始時刻昇順に返す。
	ListForReport(ctx context.Context, filter ReportFilter) ([]model.ReportEntry, error)

	// ListMissingTitle はtitleが未設定の作業記録を作成日時順に最大limit件返す。
	ListMissingTitle(ctx context.Context, limit int) ([]*model.TimerEntry, error)

	// UpdateTitle はtitleが未設定の場合に限りtitleを設定する。更新した場合はtrueを返す。
	UpdateTitle(ctx context.Context, id, title string) (bool, error)
}

// ErrDuplicateWorklog は同じ作業ログの同じ開始時刻の行が既に存在することを示す。
var ErrDuplicateWorklog = errors.New("作業ログの作業記録が既に存在します")

// WorklogChanges は1件の作業ログに対応する作業記録の変更内容。
type WorklogChanges struct {
	Update []*model.TimerEntry
	Create []*model.TimerEntry
	Delete []string
}

// Empty は変更がないかどうかを返す。
func (c WorklogChanges) Empty() bool {
	return len(c.Update) == 0 && len(c.Create) == 0 && len(c.Delete) == 0
}

// ReportFilter はレポート対象の作業記録の検索条件。
// UserIDs・ProjectIDsが空の場合は絞り込まない。
type ReportFilter struct {
	Start      time.Time
	End        time.Time
	UserIDs    []string
	ProjectIDs []string
}

// PlanResourceRepository はリソース計画の永続化インターフェース。
type PlanResourceRepository interface {
	// ListOverlapping は期間と重なるリソース計画をプロジェクト名・休暇種別名付きで返す。
	// userIDsが空の場合は全ユーザーを対象とする。
	ListOverlapping(ctx context.Context, start, end time.Time, userIDs []string) ([]*model.PlanResource, error)
}
