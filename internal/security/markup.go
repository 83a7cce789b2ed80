package security

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

// MarkupDetector はプレーンテキストであるべき入力にHTMLが含まれているかを判定する。
// bluemondayのStrictPolicyは全てのタグを除去するため、
// サニタイズ結果を元に戻して入力と一致しなければマークアップを含むとみなす。
type MarkupDetector struct {
	policy *bluemonday.Policy
}

// NewMarkupDetector はMarkupDetectorを生成する。
// bluemondayのPolicyは構築後であれば並行利用できる。
func NewMarkupDetector() *MarkupDetector {
	return &MarkupDetector{policy: bluemonday.StrictPolicy()}
}

// ContainsMarkup はsにタグまたは文字参照が含まれていればtrueを返す。
func (d *MarkupDetector) ContainsMarkup(s string) bool {
	if s == "" {
		return false
	}
	return html.UnescapeString(d.policy.Sanitize(s)) != s
}
