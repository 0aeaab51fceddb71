package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/timekeeper/internal/model"
)

// PostgresProjectRepo はPostgreSQLを使用したプロジェクトリポジトリ。
type PostgresProjectRepo struct {
	db *sql.DB
}

// NewPostgresProjectRepo はPostgresProjectRepoを生成する。
func NewPostgresProjectRepo(db *sql.DB) *PostgresProjectRepo {
	return &PostgresProjectRepo{db: db}
}

func scanProject(s rowScanner) (*model.Project, error) {
	p := &model.Project{}
	var externalID sql.NullString
	if err := s.Scan(&p.ID, &p.TeamID, &p.Name, &externalID, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.ExternalProjectID = nullStringValue(externalID)
	return p, nil
}

// FindByID は指定IDのプロジェクトを取得する。見つからない場合はnilを返す。
func (r *PostgresProjectRepo) FindByID(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(r.db.QueryRowContext(ctx,
		`SELECT id, team_id, name, external_project_id, created_at
		 FROM projects WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("プロジェクトの取得に失敗しました: %w", err)
	}
	return p, nil
}

// FindByExternalID は紐付けたJiraプロジェクトIDでプロジェクトを検索する。
// 同じJiraプロジェクトに複数紐付いている場合は作成日時が最も古いものを返す。
func (r *PostgresProjectRepo) FindByExternalID(ctx context.Context, externalProjectID string) (*model.Project, error) {
	if externalProjectID == "" {
		return nil, nil
	}
	p, err := scanProject(r.db.QueryRowContext(ctx,
		`SELECT id, team_id, name, external_project_id, created_at
		 FROM projects WHERE external_project_id = $1
		 ORDER BY created_at ASC
		 LIMIT 1`,
		externalProjectID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("外部IDによるプロジェクトの検索に失敗しました: %w", err)
	}
	return p, nil
}
