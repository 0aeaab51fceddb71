package handler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/timekeeper/internal/model"
)

// parseTimeParam はRFC3339または日付（YYYY-MM-DD、UTC）形式のクエリパラメータを解析する。
func parseTimeParam(q url.Values, name string) (time.Time, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return time.Time{}, model.NewValidationError(fmt.Sprintf("%s は必須です", name))
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, model.NewValidationError(fmt.Sprintf("%s の日時形式が不正です: %q", name, raw))
}

// parseRange は start と end を解析する。
func parseRange(q url.Values) (start, end time.Time, err error) {
	if start, err = parseTimeParam(q, "start"); err != nil {
		return
	}
	end, err = parseTimeParam(q, "end")
	return
}

// parseListParam は繰り返し指定とカンマ区切りの両方を受け付け、空要素を除いて返す。
func parseListParam(q url.Values, name string) []string {
	var out []string
	for _, v := range q[name] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func parseBoolParam(q url.Values, name string) (bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, model.NewValidationError(fmt.Sprintf("%s は true/false で指定してください", name))
	}
	return b, nil
}
