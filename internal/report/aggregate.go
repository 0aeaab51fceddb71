// Package report は作業記録を期間で切り取り、課題ごとに集計する。
package report

import (
	"sort"
	"time"

	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/timecalc"
)

// Mode は集計方法。
type Mode string

const (
	// ModePerEntry は作業記録ごとに1行を出力する。同じ課題の記録も別の行になる。
	ModePerEntry Mode = "per-entry"
	// ModeCombined は見積を除いた課題ラベル・プロジェクト・ユーザーごとに合算する。
	ModeCombined Mode = "combined"
)

// ParseMode は文字列から集計方法を取得する。空文字はper-entryとする。
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case "", ModePerEntry:
		return ModePerEntry, true
	case ModeCombined:
		return ModeCombined, true
	}
	return "", false
}

// Row はレポートの1行。
type Row struct {
	Username       string
	Project        string
	Issue          string // 表示用にデコードしたラベル
	DurationMillis int64
	DurationHuman  string
	StartDate      time.Time
	EndDate        time.Time
}

// Clip は区間をウィンドウ [ws, we) に切り詰める。重なりがない場合はfalseを返す。
func Clip(iv timecalc.Interval, ws, we time.Time) (timecalc.Interval, bool) {
	start, end := iv.Start, iv.End
	if start.Before(ws) {
		start = ws
	}
	if end.After(we) {
		end = we
	}
	if !end.After(start) {
		return timecalc.Interval{}, false
	}
	return timecalc.Interval{Start: start, End: end}, true
}

// DayPeriods はウィンドウをウィンドウ開始時刻から24時間ごとの期間に区切る。
// 最後の期間はweで切り詰める。
func DayPeriods(ws, we time.Time) []timecalc.Interval {
	var periods []timecalc.Interval
	for start := ws; start.Before(we); start = start.Add(24 * time.Hour) {
		end := start.Add(24 * time.Hour)
		if end.After(we) {
			end = we
		}
		periods = append(periods, timecalc.Interval{Start: start, End: end})
	}
	return periods
}

type groupKey struct {
	issue   string
	project string
	user    string
	seq     int
}

// Aggregate は開始時刻昇順の作業記録を集計する。
// 各記録をウィンドウで切り取り、日ごとの期間で分割した後、集計方法に応じてまとめる。
// グループ内では時間を合計し、開始は最も早い時刻、終了は最も遅い時刻とする。
func Aggregate(entries []model.ReportEntry, ws, we time.Time, mode Mode) []Row {
	periods := DayPeriods(ws, we)

	var order []groupKey
	groups := make(map[groupKey]*Row)

	for i, e := range entries {
		clipped, ok := Clip(timecalc.Interval{Start: e.StartDatetime, End: e.EndDatetime}, ws, we)
		if !ok {
			continue
		}
		issue := timecalc.DecodeLabel(e.Issue)
		key := groupKey{issue: issue, project: e.ProjectID, user: e.UserID}
		if mode == ModePerEntry {
			key.seq = i
		}

		for _, p := range periods {
			slice, ok := Clip(clipped, p.Start, p.End)
			if !ok {
				continue
			}
			row, exists := groups[key]
			if !exists {
				row = &Row{
					Username:  e.Username,
					Project:   e.ProjectName,
					Issue:     issue,
					StartDate: slice.Start,
					EndDate:   slice.End,
				}
				groups[key] = row
				order = append(order, key)
			}
			row.DurationMillis += slice.Duration().Milliseconds()
			if slice.Start.Before(row.StartDate) {
				row.StartDate = slice.Start
			}
			if slice.End.After(row.EndDate) {
				row.EndDate = slice.End
			}
		}
	}

	rows := make([]Row, 0, len(order))
	for _, key := range order {
		row := groups[key]
		row.DurationHuman = timecalc.HumanizeDuration(row.DurationMillis)
		rows = append(rows, *row)
	}

	switch mode {
	case ModeCombined:
		// 課題キー末尾の番号順。番号のないキーは0として先頭に並ぶ。
		sort.SliceStable(rows, func(a, b int) bool {
			return timecalc.IssueNumber(rows[a].Issue) < timecalc.IssueNumber(rows[b].Issue)
		})
	default:
		// 新しい順
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	return rows
}
