package model

import "time"

// PlanResource はリソース計画（期間内に割り当てる総作業時間）を表す。
// ProjectID と TimeOffID はどちらか一方のみが設定される。
type PlanResource struct {
	ID            string
	UserID        string
	ProjectID     string
	TimeOffID     string
	TotalDuration int64 // ミリ秒
	StartDate     time.Time
	EndDate       time.Time
	CreatedByID   string

	// 読み取り時に結合される表示名
	ProjectName string
	TimeOffName string
}

// Label は計画の表示名を返す。休暇の場合は休暇種別名を返す。
func (r *PlanResource) Label() string {
	if r.ProjectID != "" {
		return r.ProjectName
	}
	return r.TimeOffName
}
