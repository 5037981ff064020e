package content

import (
	"strings"
	"testing"
)

func TestExtractText_StripsTags(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキストはそのまま", "こんにちは", "こんにちは"},
		{"空文字列は空文字列", "", ""},
		{"タグを除去", "<p>本文です</p>", "本文です"},
		{"ネストしたタグを除去", "<div><strong>重要</strong>なお知らせ</div>", "重要なお知らせ"},
		{"scriptタグと内容を除去", `<script>alert("x")</script>本文`, "本文"},
		{"エンティティをアンエスケープ", "<p>A &amp; B</p>", "A & B"},
		{"前後の空白を除去", "  <p> 本文 </p>  ", "本文"},
		{"メンションを保持", "<p>@alice さんへの返信</p>", "@alice さんへの返信"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewTextExtractor()
			got := e.ExtractText(tt.input)
			if got != tt.want {
				t.Errorf("ExtractText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// 同一入力に対して常に同一出力を返すことを検証
func TestExtractText_Idempotent(t *testing.T) {
	e := NewTextExtractor()
	input := "<p>@bob <em>強調</em> &lt;タグ風&gt;</p>"

	first := e.ExtractText(input)
	second := e.ExtractText(first)
	if first != second {
		t.Errorf("抽出結果が安定していない: first=%q second=%q", first, second)
	}
}

func TestExtractText_RemovesAnchorButKeepsText(t *testing.T) {
	e := NewTextExtractor()
	got := e.ExtractText(`<a href="https://example.com">リンク</a>先を参照`)

	if strings.Contains(got, "href") {
		t.Errorf("属性が残存している: %q", got)
	}
	if !strings.Contains(got, "リンク") {
		t.Errorf("リンクテキストが失われている: %q", got)
	}
}
