package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/repository"
)

// Query は週次配分の検索条件。
type Query struct {
	Start     time.Time
	End       time.Time
	UserIDs   []string
	ByProject bool
}

// Service はリソース計画の週次配分を提供する。
type Service struct {
	resources repository.PlanResourceRepository
}

// NewService はServiceを生成する。
func NewService(resources repository.PlanResourceRepository) *Service {
	return &Service{resources: resources}
}

// Weeks は期間と重なる計画を週ごとのバケットに配分して返す。
// 複数の計画は同じバケットに加算される。
func (s *Service) Weeks(ctx context.Context, q Query) ([]WeekBucket, error) {
	if !q.End.After(q.Start) {
		return nil, model.NewValidationError("終了日は開始日より後である必要があります")
	}

	resources, err := s.resources.ListOverlapping(ctx, q.Start, q.End, q.UserIDs)
	if err != nil {
		return nil, fmt.Errorf("リソース計画の取得に失敗しました: %w", err)
	}

	buckets := Buckets(q.Start, q.End)
	distribute := Distribute
	if q.ByProject {
		distribute = DistributeByProject
	}
	for _, res := range resources {
		if err := distribute(buckets, res); err != nil {
			return nil, err
		}
	}
	return buckets, nil
}
