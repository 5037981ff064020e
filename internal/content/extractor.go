// Package content はコンテンツ本文のテキスト抽出を提供する。
//
// 投稿本文はHTMLを含み得るため、メンション解析とメール本文の構築の前に
// bluemondayの厳格ポリシーでタグを除去したプレーンテキストへ変換する。
package content

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextExtractor はHTML本文からプレーンテキストを抽出するインターフェース。
type TextExtractor interface {
	// ExtractText はHTMLタグを除去したプレーンテキストを返す。
	// 空文字列の入力には空文字列を返す。同一入力に対して常に同一出力を返す（冪等）。
	ExtractText(rawHTML string) string
}

// textExtractor はTextExtractorの実装。
// bluemondayのStrictPolicy（全タグ除去）を保持し、スレッドセーフに処理する。
type textExtractor struct {
	policy *bluemonday.Policy
}

// NewTextExtractor はTextExtractorの新しいインスタンスを生成する。
func NewTextExtractor() *textExtractor {
	return &textExtractor{
		policy: bluemonday.StrictPolicy(),
	}
}

// ExtractText はHTMLタグを除去したプレーンテキストを返す。
// bluemondayはエンティティをエスケープしたまま返すため、除去後にアンエスケープする。
func (e *textExtractor) ExtractText(rawHTML string) string {
	stripped := e.policy.Sanitize(rawHTML)
	return strings.TrimSpace(html.UnescapeString(stripped))
}
