package timecalc

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// humanUnit は表示に使用する単位。
type humanUnit struct {
	suffix string
	millis float64
}

const (
	dayMillis  = float64(24 * time.Hour / time.Millisecond)
	yearMillis = 365.25 * dayMillis
)

// humanUnits は大きい順の単位一覧。月は1年の1/12。
var humanUnits = []humanUnit{
	{"y", yearMillis},
	{"mo", yearMillis / 12},
	{"w", 7 * dayMillis},
	{"d", dayMillis},
	{"h", float64(time.Hour / time.Millisecond)},
	{"m", float64(time.Minute / time.Millisecond)},
	{"s", float64(time.Second / time.Millisecond)},
}

// HumanizeDuration はミリ秒の期間を "1d 6h" のような粗い表記に変換する。
// 単位は y, mo, w, d, h, m, s の7種類で複数形にはしない。
// 秒未満は四捨五入し、0の単位は出力しない。0以下は "0s" を返す。
func HumanizeDuration(millis int64) string {
	if millis <= 0 {
		return "0s"
	}

	// 秒単位に丸めてから大きい単位から順に割り当てる
	remaining := math.Round(float64(millis)/1000) * 1000
	if remaining == 0 {
		return "0s"
	}

	var parts []string
	for i, u := range humanUnits {
		var n float64
		if i == len(humanUnits)-1 {
			n = math.Round(remaining / u.millis)
		} else {
			n = math.Floor(remaining / u.millis)
		}
		if n <= 0 {
			continue
		}
		remaining -= n * u.millis
		parts = append(parts, strconv.FormatInt(int64(n), 10)+u.suffix)
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, " ")
}
