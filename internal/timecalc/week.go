package timecalc

import "time"

// isoEpoch は ISO 週の通し番号の基準とする月曜日（1970-01-05）。
var isoEpoch = time.Date(1970, time.January, 5, 0, 0, 0, 0, time.UTC)

// WeekStart はtを含むISO週の月曜0時をtと同じロケーションで返す。
func WeekStart(t time.Time) time.Time {
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7 // 日曜はISOでは7
	}
	monday := t.AddDate(0, 0, -(wd - 1))
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, t.Location())
}

// ISOWeekOrdinal はtを含むISO週の通し番号を返す。
// 年を跨いでも単調増加するため、週数の差分計算に使用する。
func ISOWeekOrdinal(t time.Time) int {
	monday := WeekStart(t)
	days := time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC).Sub(isoEpoch).Hours() / 24
	if days < 0 {
		return int(days-6) / 7
	}
	return int(days) / 7
}

// ISOWeekNumber は年内のISO週番号（1〜53）を返す。
func ISOWeekNumber(t time.Time) int {
	_, week := t.ISOWeek()
	return week
}
