package timecalc

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// estimatePattern は課題ラベル先頭の見積トークン（例: "2h | ", "1d 4h | "）にマッチする固定パターン。
var estimatePattern = regexp.MustCompile(`^\d+(\.\d+)?[wdhms](\s\d+(\.\d+)?[wdhms])*\s\|\s`)

// estimateSeparator は見積トークンとラベル本体の区切り。
const estimateSeparator = " | "

// EncodeLabel は課題ラベルを保存用にURIエンコードする。
// estimateが空でない場合は "<estimate> | " をラベルの先頭に付与してからエンコードする。
// 既存の見積トークンは付け替える。
func EncodeLabel(estimate, label string) string {
	label = StripEstimate(label)
	if estimate != "" {
		label = estimate + estimateSeparator + label
	}
	return EscapeLabel(label)
}

// EscapeLabel はラベルをそのままURIエンコードする。空白は "%20" とする。
func EscapeLabel(label string) string {
	return strings.ReplaceAll(url.QueryEscape(label), "+", "%20")
}

// Unescape は保存済みラベルのURIエンコードを解除する。
// 不正なエスケープを含む古いデータはそのまま返す。
func Unescape(encoded string) string {
	decoded, err := url.PathUnescape(encoded)
	if err != nil {
		return encoded
	}
	return decoded
}

// DecodeLabel は保存済みラベルを表示用の文字列に変換する。
// URIデコード後、先頭の見積トークンを取り除く。
func DecodeLabel(encoded string) string {
	return StripEstimate(Unescape(encoded))
}

// StripEstimate は先頭の見積トークンを取り除く。トークンがなければそのまま返す。
func StripEstimate(label string) string {
	return estimatePattern.ReplaceAllString(label, "")
}

// ParseIssueLabel は表示用ラベルを "<課題キー> <コメント...>" として分解する。
// 最初の空白までを課題キーとする。
func ParseIssueLabel(label string) (key, comment string) {
	label = strings.TrimSpace(StripEstimate(label))
	fields := strings.Fields(label)
	if len(fields) == 0 {
		return "", ""
	}
	key = fields[0]
	comment = strings.TrimSpace(strings.TrimPrefix(label, key))
	return key, comment
}

// IssueNumber は課題キーの末尾の番号を返す（"PRJ-123 作業" なら 123）。
// 最後の "-" 以降の先頭の数字列を読み取り、数字で始まらない場合は0を返す。
func IssueNumber(label string) int {
	key, _ := ParseIssueLabel(label)
	suffix := key
	if i := strings.LastIndex(key, "-"); i >= 0 {
		suffix = key[i+1:]
	}
	end := 0
	for end < len(suffix) && suffix[end] >= '0' && suffix[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(suffix[:end])
	if err != nil {
		return 0
	}
	return n
}
