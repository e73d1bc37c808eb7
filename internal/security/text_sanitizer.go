// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は利用者が入力したチーム名・表示名・説明文を保存前に無害化する。
// bluemondayの許可リストベースのポリシーを使用する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は入力テキストの無害化のインターフェースを定義する。
type TextSanitizer interface {
	// PlainText はHTMLタグをすべて取り除き、前後の空白を削除したテキストを返す。
	// script, styleの中身も除去される。エンティティは元の文字に戻す。
	PlainText(s string) string

	// Description は説明文向けに限られたタグ（p, br, ul, ol, li, strong, em, code, a）のみを残す。
	// aタグにはrel="nofollow noreferrer noopener"が付与される。
	Description(s string) string
}

// textSanitizer はTextSanitizerの実装。ポリシーはスレッドセーフに共有できる。
type textSanitizer struct {
	strict      *bluemonday.Policy
	description *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() TextSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em", "code")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("https", "http", "mailto")
	p.AllowRelativeURLs(false)
	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	return &textSanitizer{
		strict:      bluemonday.StrictPolicy(),
		description: p,
	}
}

func (s *textSanitizer) PlainText(in string) string {
	if in == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(in)))
}

func (s *textSanitizer) Description(in string) string {
	return strings.TrimSpace(s.description.Sanitize(in))
}
