package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/timekeeper/internal/model"
)

// PostgresActiveTimerRepo はPostgreSQLを使用した実行中タイマーリポジトリ。
type PostgresActiveTimerRepo struct {
	db *sql.DB
}

// NewPostgresActiveTimerRepo はPostgresActiveTimerRepoを生成する。
func NewPostgresActiveTimerRepo(db *sql.DB) *PostgresActiveTimerRepo {
	return &PostgresActiveTimerRepo{db: db}
}

func scanActiveTimer(s rowScanner) (*model.ActiveTimer, error) {
	t := &model.ActiveTimer{}
	err := s.Scan(&t.UserID, &t.Issue, &t.ProjectID, &t.StartDatetime, &t.Notification6hrSent, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FindByUserID は指定ユーザーの実行中タイマーを取得する。見つからない場合はnilを返す。
func (r *PostgresActiveTimerRepo) FindByUserID(ctx context.Context, userID string) (*model.ActiveTimer, error) {
	t, err := scanActiveTimer(r.db.QueryRowContext(ctx,
		`SELECT user_id, issue, project_id, start_datetime, notification_6hr_sent, updated_at
		 FROM active_timers WHERE user_id = $1`,
		userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("実行中タイマーの取得に失敗しました: %w", err)
	}
	return t, nil
}

// Upsert は実行中タイマーをuser_idをキーに原子的にINSERTまたは置き換える。
// 置き換え時は通知済みフラグも引数の値で上書きする。
func (r *PostgresActiveTimerRepo) Upsert(ctx context.Context, t *model.ActiveTimer) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO active_timers (user_id, issue, project_id, start_datetime, notification_6hr_sent, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
		     issue = EXCLUDED.issue,
		     project_id = EXCLUDED.project_id,
		     start_datetime = EXCLUDED.start_datetime,
		     notification_6hr_sent = EXCLUDED.notification_6hr_sent,
		     updated_at = EXCLUDED.updated_at`,
		t.UserID, t.Issue, t.ProjectID, t.StartDatetime, t.Notification6hrSent, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("実行中タイマーの保存に失敗しました: %w", err)
	}
	return nil
}

// ListStartedBefore は指定時刻より前に開始された実行中タイマーを開始時刻順で返す。
func (r *PostgresActiveTimerRepo) ListStartedBefore(ctx context.Context, before time.Time) ([]*model.ActiveTimer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, issue, project_id, start_datetime, notification_6hr_sent, updated_at
		 FROM active_timers
		 WHERE start_datetime < $1
		 ORDER BY start_datetime ASC`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("長時間タイマーの一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var timers []*model.ActiveTimer
	for rows.Next() {
		t, err := scanActiveTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("実行中タイマー行のスキャンに失敗しました: %w", err)
		}
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("実行中タイマー行の読み込みに失敗しました: %w", err)
	}
	return timers, nil
}

// Update は開始時刻が一致する実行中タイマーの課題ラベル・プロジェクトを更新する。
// 読み取り後に別のセッションへ置き換わっていた場合は更新せずfalseを返す。
func (r *PostgresActiveTimerRepo) Update(ctx context.Context, t *model.ActiveTimer) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE active_timers SET issue = $1, project_id = $2, updated_at = $3
		 WHERE user_id = $4 AND start_datetime = $5`,
		t.Issue, t.ProjectID, t.UpdatedAt, t.UserID, t.StartDatetime,
	)
	if err != nil {
		return false, fmt.Errorf("実行中タイマーの更新に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// MarkNotified はstartedAtに開始したセッションに6時間経過通知の送信済みフラグを立てる。
// 該当セッションがないか既に送信済みの場合はfalseを返す。
func (r *PostgresActiveTimerRepo) MarkNotified(ctx context.Context, userID string, startedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE active_timers SET notification_6hr_sent = true
		 WHERE user_id = $1 AND start_datetime = $2 AND NOT notification_6hr_sent`,
		userID, startedAt,
	)
	if err != nil {
		return false, fmt.Errorf("通知済みフラグの更新に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// Consume は作業記録の作成と実行中タイマーの削除を同一トランザクションで行う。
// startedAtに開始したセッションが既に削除または置き換えられている場合は何も作成せずfalseを返す。
func (r *PostgresActiveTimerRepo) Consume(ctx context.Context, userID string, startedAt time.Time, entries []*model.TimerEntry) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM active_timers WHERE user_id = $1 AND start_datetime = $2`,
		userID, startedAt,
	)
	if err != nil {
		return false, fmt.Errorf("実行中タイマーの削除に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := insertEntries(ctx, tx, entries); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return true, nil
}
