package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/timekeeper/internal/model"
)

// PostgresTimerEntryRepo はPostgreSQLを使用した作業記録リポジトリ。
type PostgresTimerEntryRepo struct {
	db *sql.DB
}

// NewPostgresTimerEntryRepo はPostgresTimerEntryRepoを生成する。
func NewPostgresTimerEntryRepo(db *sql.DB) *PostgresTimerEntryRepo {
	return &PostgresTimerEntryRepo{db: db}
}

const timerEntryColumns = `e.id, e.user_id, e.project_id, e.issue, e.title, e.start_datetime, e.end_datetime,
		        e.external_worklog_id, e.sync_status, e.created_at, e.updated_at`

func scanTimerEntry(s rowScanner, extra ...any) (*model.TimerEntry, error) {
	e := &model.TimerEntry{}
	var title, worklogID sql.NullString
	dest := []any{
		&e.ID, &e.UserID, &e.ProjectID, &e.Issue, &title, &e.StartDatetime, &e.EndDatetime,
		&worklogID, &e.SyncStatus, &e.CreatedAt, &e.UpdatedAt,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	e.Title = stringPtr(title)
	e.ExternalWorklogID = stringPtr(worklogID)
	return e, nil
}

// FindByID は指定IDの作業記録を取得する。見つからない場合はnilを返す。
func (r *PostgresTimerEntryRepo) FindByID(ctx context.Context, id string) (*model.TimerEntry, error) {
	e, err := scanTimerEntry(r.db.QueryRowContext(ctx,
		`SELECT `+timerEntryColumns+` FROM timer_entries e WHERE e.id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("作業記録の取得に失敗しました: %w", err)
	}
	return e, nil
}

// ListByExternalWorklogID はユーザーIDとJira作業ログIDに紐づく作業記録を開始時刻順で返す。
func (r *PostgresTimerEntryRepo) ListByExternalWorklogID(ctx context.Context, userID, worklogID string) ([]*model.TimerEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+timerEntryColumns+`
		 FROM timer_entries e
		 WHERE e.user_id = $1 AND e.external_worklog_id = $2
		 ORDER BY e.start_datetime ASC, e.id ASC`,
		userID, worklogID,
	)
	if err != nil {
		return nil, fmt.Errorf("作業ログIDによる作業記録の検索に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.TimerEntry
	for rows.Next() {
		e, err := scanTimerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("作業記録行のスキャンに失敗しました: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("作業記録行の読み込みに失敗しました: %w", err)
	}
	return entries, nil
}

// ApplyWorklogChanges は1件の作業ログに対応する作業記録の削除・更新・作成を同一トランザクションで行う。
// 一意制約はコミット時に検査されるため、行の開始時刻の付け替えは順序を問わない。
func (r *PostgresTimerEntryRepo) ApplyWorklogChanges(ctx context.Context, c WorklogChanges) error {
	if c.Empty() {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	for _, id := range c.Delete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM timer_entries WHERE id = $1`, id); err != nil {
			return fmt.Errorf("作業記録の削除に失敗しました: %w", err)
		}
	}
	for _, e := range c.Update {
		if err := updateEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := insertEntries(ctx, tx, c.Create); err != nil {
		return duplicateWorklog(err)
	}

	if err := tx.Commit(); err != nil {
		if errors.Is(duplicateWorklog(err), ErrDuplicateWorklog) {
			return ErrDuplicateWorklog
		}
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// insertEntries はトランザクション内で作業記録をINSERTする。
func insertEntries(ctx context.Context, tx *sql.Tx, entries []*model.TimerEntry) error {
	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO timer_entries (id, user_id, project_id, issue, title, start_datetime, end_datetime,
			                            external_worklog_id, sync_status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.UserID, e.ProjectID, e.Issue, nullStringPtr(e.Title), e.StartDatetime, e.EndDatetime,
			nullStringPtr(e.ExternalWorklogID), e.SyncStatus, e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("作業記録の作成に失敗しました: %w", err)
		}
	}
	return nil
}

// updateEntry はトランザクション内で課題ラベル・期間・プロジェクト・titleを上書き更新する。
func updateEntry(ctx context.Context, tx *sql.Tx, e *model.TimerEntry) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE timer_entries
		 SET issue = $1, title = $2, project_id = $3, start_datetime = $4, end_datetime = $5,
		     sync_status = $6, updated_at = $7
		 WHERE id = $8`,
		e.Issue, nullStringPtr(e.Title), e.ProjectID, e.StartDatetime, e.EndDatetime,
		e.SyncStatus, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("作業記録の更新に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return model.NewEntryNotFoundError(e.ID)
	}
	return nil
}

// duplicateWorklog は一意制約違反をErrDuplicateWorklogに変換する。
func duplicateWorklog(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateWorklog
	}
	return err
}

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// MarkSynced はJiraへの同期完了を記録し、見積付きラベルと作業ログIDを保存する。
func (r *PostgresTimerEntryRepo) MarkSynced(ctx context.Context, id, issue, worklogID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE timer_entries
		 SET issue = $1, external_worklog_id = $2, sync_status = true, updated_at = now()
		 WHERE id = $3`,
		issue, worklogID, id,
	)
	if err != nil {
		return fmt.Errorf("同期状態の更新に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return model.NewEntryNotFoundError(id)
	}
	return nil
}

// ListForReport は期間と重なる作業記録をユーザー名・プロジェクト名付きで開始時刻昇順に返す。
// UserIDs・ProjectIDsが空の場合は絞り込まない。
func (r *PostgresTimerEntryRepo) ListForReport(ctx context.Context, f ReportFilter) ([]model.ReportEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+timerEntryColumns+`, u.name, p.name
		 FROM timer_entries e
		 INNER JOIN users u ON u.id = e.user_id
		 INNER JOIN projects p ON p.id = e.project_id
		 WHERE e.start_datetime < $2 AND e.end_datetime > $1
		   AND (COALESCE(cardinality($3::text[]), 0) = 0 OR e.user_id = ANY($3::text[]))
		   AND (COALESCE(cardinality($4::text[]), 0) = 0 OR e.project_id = ANY($4::text[]))
		 ORDER BY e.start_datetime ASC, e.id ASC`,
		f.Start, f.End, pq.Array(f.UserIDs), pq.Array(f.ProjectIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("レポート対象の作業記録の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []model.ReportEntry
	for rows.Next() {
		var username, projectName string
		e, err := scanTimerEntry(rows, &username, &projectName)
		if err != nil {
			return nil, fmt.Errorf("作業記録行のスキャンに失敗しました: %w", err)
		}
		entries = append(entries, model.ReportEntry{
			TimerEntry:  *e,
			Username:    username,
			ProjectName: projectName,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("作業記録行の読み込みに失敗しました: %w", err)
	}
	return entries, nil
}

// ListMissingTitle はtitleが未設定の作業記録を作成日時順に最大limit件返す。
func (r *PostgresTimerEntryRepo) ListMissingTitle(ctx context.Context, limit int) ([]*model.TimerEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+timerEntryColumns+`
		 FROM timer_entries e
		 WHERE e.title IS NULL
		 ORDER BY e.created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("title未設定の作業記録の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.TimerEntry
	for rows.Next() {
		e, err := scanTimerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("作業記録行のスキャンに失敗しました: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("作業記録行の読み込みに失敗しました: %w", err)
	}
	return entries, nil
}

// UpdateTitle はtitleが未設定の場合に限りtitleを設定する。更新した場合はtrueを返す。
func (r *PostgresTimerEntryRepo) UpdateTitle(ctx context.Context, id, title string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE timer_entries SET title = $1 WHERE id = $2 AND title IS NULL`,
		title, id,
	)
	if err != nil {
		return false, fmt.Errorf("titleの更新に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}
