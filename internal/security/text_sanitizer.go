package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxTextLength はサニタイズ後の文字列の最大文字数。
const MaxTextLength = 255

// TextSanitizer はプロバイダー由来のアクティビティ名などから
// マークアップを除去してプレーンテキストにする。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
// bluemondayのStrictPolicyで全てのタグを除去する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はタグを除去し、空白を1つにまとめ、MaxTextLength文字に切り詰める。
// 実体参照としてエスケープされたタグも除去対象とする。
func (s *TextSanitizer) SanitizeText(raw string) string {
	text := raw
	for i := 0; i < 3; i++ {
		next := html.UnescapeString(s.policy.Sanitize(text))
		if next == text {
			break
		}
		text = next
	}

	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) > MaxTextLength {
		runes := []rune(text)
		text = string(runes[:MaxTextLength])
	}
	return text
}
