// Package plan はリソース計画の時間をISO週ごとに配分する。
package plan

import (
	"fmt"
	"time"

	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/timecalc"
)

const hourMillis = float64(time.Hour / time.Millisecond)

// PlanItem はプロジェクト別配分での1件。
type PlanItem struct {
	ProjectName string
	Hours       float64
}

// WeekBucket は1つのISO週（先頭と末尾は検索期間で切り詰め）の配分結果。
type WeekBucket struct {
	StartDate   time.Time
	EndDate     time.Time
	WeekNumber  int
	TotalMillis float64
	Hours       float64
	Plan        []PlanItem

	ordinal int
}

// Buckets は [qs, qe) をISO週ごとに区切ったバケットを返す。
// 最初のバケットはqs、最後のバケットはqeで切り詰める。
func Buckets(qs, qe time.Time) []WeekBucket {
	qs, qe = qs.UTC(), qe.UTC()
	var buckets []WeekBucket
	for cur := qs; cur.Before(qe); {
		next := timecalc.WeekStart(cur).AddDate(0, 0, 7)
		end := next
		if end.After(qe) {
			end = qe
		}
		buckets = append(buckets, WeekBucket{
			StartDate:  cur,
			EndDate:    end,
			WeekNumber: timecalc.ISOWeekNumber(cur),
			ordinal:    timecalc.ISOWeekOrdinal(cur),
		})
		cur = next
	}
	return buckets
}

// span は計画の開始週・終了週の通し番号と週あたりの時間（ミリ秒）を返す。
// 週数はISO週の通し番号で数えるため、年を跨ぐ計画でも正の値になる。
func span(res *model.PlanResource) (first, last int, perWeekMillis float64, err error) {
	first = timecalc.ISOWeekOrdinal(res.StartDate.UTC())
	last = timecalc.ISOWeekOrdinal(res.EndDate.UTC())
	weeks := last - first + 1
	if weeks < 1 {
		return 0, 0, 0, model.NewValidationError(
			fmt.Sprintf("リソース計画 %s の期間が不正です（週数 %d）", res.ID, weeks))
	}
	return first, last, float64(res.TotalDuration) / float64(weeks), nil
}

// Distribute は計画の総時間を週数で均等に割り、計画期間内のバケットへ加算する。
// 日数による按分は行わない。
func Distribute(buckets []WeekBucket, res *model.PlanResource) error {
	first, last, perWeek, err := span(res)
	if err != nil {
		return err
	}
	for i := range buckets {
		b := &buckets[i]
		if b.ordinal < first || b.ordinal > last {
			continue
		}
		b.TotalMillis += perWeek
		b.Hours = b.TotalMillis / hourMillis
	}
	return nil
}

// DistributeByProject は合計の代わりにプロジェクト（または休暇種別）ごとの内訳を追加する。
func DistributeByProject(buckets []WeekBucket, res *model.PlanResource) error {
	first, last, perWeek, err := span(res)
	if err != nil {
		return err
	}
	for i := range buckets {
		b := &buckets[i]
		if b.ordinal < first || b.ordinal > last {
			continue
		}
		b.Plan = append(b.Plan, PlanItem{
			ProjectName: res.Label(),
			Hours:       perWeek / hourMillis,
		})
	}
	return nil
}
