package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/timekeeper/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const userColumns = `id, name, email, timezone_offset, jira_url, jira_token,
		        jira_account_type, jira_username, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(s rowScanner) (*model.User, error) {
	user := &model.User{}
	var jiraURL, jiraToken, jiraUsername sql.NullString
	var accountType string
	err := s.Scan(
		&user.ID, &user.Name, &user.Email, &user.TimezoneOffset,
		&jiraURL, &jiraToken, &accountType, &jiraUsername,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Jira = model.JiraCredentials{
		URL:         nullStringValue(jiraURL),
		Token:       nullStringValue(jiraToken),
		AccountType: model.AccountType(accountType),
		Username:    nullStringValue(jiraUsername),
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return user, nil
}

// ListWithJiraCredentials はJira連携情報が登録されたユーザー一覧を返す。
func (r *PostgresUserRepo) ListWithJiraCredentials(ctx context.Context) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE jira_url IS NOT NULL AND jira_url <> ''
		   AND jira_token IS NOT NULL AND jira_token <> ''
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("Jira連携ユーザーの一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("ユーザー行のスキャンに失敗しました: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ユーザー行の読み込みに失敗しました: %w", err)
	}
	return users, nil
}

// UpdateJiraToken はJiraトークン（暗号化済み）を更新する。
func (r *PostgresUserRepo) UpdateJiraToken(ctx context.Context, userID, token string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET jira_token = $1, updated_at = now() WHERE id = $2`,
		token, userID,
	)
	if err != nil {
		return fmt.Errorf("Jiraトークンの更新に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return model.NewUserNotFoundError()
	}
	return nil
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullStringPtr は*stringをsql.NullStringに変換する。
func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// stringPtr はsql.NullStringから*stringを取得する。
func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
