package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/timekeeper/internal/model"
)

// PostgresPlanResourceRepo はPostgreSQLを使用したリソース計画リポジトリ。
type PostgresPlanResourceRepo struct {
	db *sql.DB
}

// NewPostgresPlanResourceRepo はPostgresPlanResourceRepoを生成する。
func NewPostgresPlanResourceRepo(db *sql.DB) *PostgresPlanResourceRepo {
	return &PostgresPlanResourceRepo{db: db}
}

// ListOverlapping は期間と重なるリソース計画をプロジェクト名・休暇種別名付きで返す。
func (r *PostgresPlanResourceRepo) ListOverlapping(ctx context.Context, start, end time.Time, userIDs []string) ([]*model.PlanResource, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT pr.id, pr.user_id, pr.project_id, pr.time_off_id, pr.total_duration,
		        pr.start_date, pr.end_date, pr.created_by_id, p.name, t.name
		 FROM plan_resources pr
		 LEFT JOIN projects p ON p.id = pr.project_id
		 LEFT JOIN time_off_types t ON t.id = pr.time_off_id
		 WHERE pr.start_date < $2 AND pr.end_date > $1
		   AND (COALESCE(cardinality($3::text[]), 0) = 0 OR pr.user_id = ANY($3::text[]))
		 ORDER BY pr.start_date ASC, pr.id ASC`,
		start, end, pq.Array(userIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("リソース計画の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var resources []*model.PlanResource
	for rows.Next() {
		res := &model.PlanResource{}
		var projectID, timeOffID, projectName, timeOffName sql.NullString
		if err := rows.Scan(
			&res.ID, &res.UserID, &projectID, &timeOffID, &res.TotalDuration,
			&res.StartDate, &res.EndDate, &res.CreatedByID, &projectName, &timeOffName,
		); err != nil {
			return nil, fmt.Errorf("リソース計画行のスキャンに失敗しました: %w", err)
		}
		res.ProjectID = nullStringValue(projectID)
		res.TimeOffID = nullStringValue(timeOffID)
		res.ProjectName = nullStringValue(projectName)
		res.TimeOffName = nullStringValue(timeOffName)
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リソース計画行の読み込みに失敗しました: %w", err)
	}
	return resources, nil
}
