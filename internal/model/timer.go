package model

import "time"

// DefaultIssueLabel は課題名が空のタイマーに使用するラベル。
const DefaultIssueLabel = "Untitled issue"

// ActiveTimer はユーザーごとに1件だけ存在する実行中のタイマーを表す。
type ActiveTimer struct {
	UserID              string
	Issue               string // URIエンコード済みラベル
	ProjectID           string
	StartDatetime       time.Time
	Notification6hrSent bool
	UpdatedAt           time.Time
}

// Elapsed は指定時刻までの経過時間を返す。
func (t *ActiveTimer) Elapsed(now time.Time) time.Duration {
	return now.Sub(t.StartDatetime)
}

// TimerEntry は完了した作業記録を表す。
// 1件の作業記録は所有者のローカル暦日を跨がない。
type TimerEntry struct {
	ID                string
	UserID            string
	ProjectID         string
	Issue             string  // URIエンコード済みラベル。"<見積> | " プレフィックスを含む場合がある
	Title             *string // 表示用にデコードしたラベル。未設定はnil
	StartDatetime     time.Time
	EndDatetime       time.Time
	ExternalWorklogID *string // Jira作業ログID。ローカル作成の場合はnil
	SyncStatus        bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Duration は作業時間を返す。
func (e *TimerEntry) Duration() time.Duration {
	return e.EndDatetime.Sub(e.StartDatetime)
}

// ReportEntry はレポート集計用に作業記録とユーザー名・プロジェクト名を結合したモデル。
type ReportEntry struct {
	TimerEntry
	Username    string
	ProjectName string
}
