package report

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/repository"
)

// Query はレポートの検索条件。
type Query struct {
	Start      time.Time
	End        time.Time
	UserIDs    []string
	ProjectIDs []string
	Mode       Mode
}

// Service はレポート生成のサービス層。
type Service struct {
	entries repository.TimerEntryRepository
}

// NewService はServiceを生成する。
func NewService(entries repository.TimerEntryRepository) *Service {
	return &Service{entries: entries}
}

// Query は期間と重なる作業記録を集計したレポートを返す。
func (s *Service) Query(ctx context.Context, q Query) ([]Row, error) {
	if !q.End.After(q.Start) {
		return nil, model.NewValidationError("終了日時は開始日時より後である必要があります")
	}
	if q.Mode != ModePerEntry && q.Mode != ModeCombined {
		return nil, model.NewValidationError(fmt.Sprintf("未知の集計方法です: %q", q.Mode))
	}

	entries, err := s.entries.ListForReport(ctx, repository.ReportFilter{
		Start:      q.Start,
		End:        q.End,
		UserIDs:    q.UserIDs,
		ProjectIDs: q.ProjectIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("レポート対象の作業記録の取得に失敗しました: %w", err)
	}

	return Aggregate(entries, q.Start, q.End, q.Mode), nil
}
