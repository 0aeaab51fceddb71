// Package timecalc はタイマーの時間計算（暦日分割、ISO週、表示用の期間表記、ラベル変換）を提供する。
// ローカル暦日はユーザーに保存されたタイムゾーンオフセットから求め、サーバーの時刻設定には依存しない。
package timecalc

import (
	"fmt"
	"time"
)

// Interval は半開区間 [Start, End) を表す。
type Interval struct {
	Start time.Time
	End   time.Time
}

// Duration は区間の長さを返す。
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Zone はオフセット（UTC − ローカル、ミリ秒）に対応する固定タイムゾーンを返す。
// UTC+2 のユーザーのオフセットは -7200000。
func Zone(offsetMillis int64) *time.Location {
	seconds := int(-offsetMillis / 1000)
	sign := "+"
	abs := seconds
	if abs < 0 {
		sign = "-"
		abs = -abs
	}
	name := fmt.Sprintf("UTC%s%02d:%02d", sign, abs/3600, (abs%3600)/60)
	return time.FixedZone(name, seconds)
}

// StartOfLocalDay はオフセット上のローカル暦日の0時（UTC）を返す。
func StartOfLocalDay(t time.Time, offsetMillis int64) time.Time {
	local := t.In(Zone(offsetMillis))
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location()).UTC()
}

// NextLocalMidnight はtより後にある最初のローカル0時（UTC）を返す。
func NextLocalMidnight(t time.Time, offsetMillis int64) time.Time {
	local := t.In(Zone(offsetMillis))
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, local.Location()).UTC()
}

// SameLocalDay は半開区間 [start, end) が1つのローカル暦日に収まるかを判定する。
func SameLocalDay(start, end time.Time, offsetMillis int64) bool {
	if !end.After(start) {
		return true
	}
	return !end.After(NextLocalMidnight(start, offsetMillis))
}

// Split は [start, end) をローカル0時ごとに分割する。
// 返す区間は昇順で隙間も重なりもなく連続し、和集合は元の区間と一致する。
// 何日跨いでも分割できる（N分割）。end <= start の場合は空を返す。
func Split(start, end time.Time, offsetMillis int64) []Interval {
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return nil
	}

	var out []Interval
	cur := start
	for cur.Before(end) {
		next := NextLocalMidnight(cur, offsetMillis)
		if next.After(end) {
			next = end
		}
		out = append(out, Interval{Start: cur, End: next})
		cur = next
	}
	return out
}
