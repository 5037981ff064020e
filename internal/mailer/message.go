// Package mailer はメールチャネルのメッセージ構築とSMTP送信を提供する。
package mailer

import (
	"fmt"
	"strings"

	"github.com/hitoshi/notifyd/internal/content"
	"github.com/hitoshi/notifyd/internal/model"
)

// 件名に使う本文スニペットの最大長（rune単位）。
const snippetLimit = 40

// MessageBuilder はコンテンツオブジェクトからメールの件名・本文・
// スレッドヘッダを構築する。
type MessageBuilder struct {
	domain    string
	extractor content.TextExtractor
}

// NewMessageBuilder はMessageBuilderの新しいインスタンスを生成する。
// domainはMessage-IDの右辺に使うメールドメイン。
func NewMessageBuilder(domain string, extractor content.TextExtractor) *MessageBuilder {
	return &MessageBuilder{
		domain:    domain,
		extractor: extractor,
	}
}

// Build は配信グループのコンテンツオブジェクトから件名・本文・ヘッダを構築する。
//
// スレッドヘッダにより、コメントの通知はルートコンテンツの通知メールの
// スレッド配下に連なる。記事の通知はルートのMessage-IDを持ち、
// コメントの通知はIn-Reply-To/Referencesでルートを指す。
func (b *MessageBuilder) Build(obj *model.Content) (subject, body string, headers map[string]string) {
	text := b.extractor.ExtractText(obj.Body)

	isComment := obj.ParentID != ""
	if isComment {
		subject = "Re: " + b.subjectBase(obj.Title, text)
	} else {
		subject = b.subjectBase(obj.Title, text)
	}

	var sb strings.Builder
	if obj.Title != "" {
		sb.WriteString(obj.Title)
		sb.WriteString("\r\n\r\n")
	}
	sb.WriteString(text)
	body = sb.String()

	headers = map[string]string{
		"Message-ID": b.messageID(obj.Type, obj.ID),
	}
	if isComment {
		root := b.messageID(obj.ParentType, obj.ParentID)
		headers["In-Reply-To"] = root
		headers["References"] = root
	}
	return subject, body, headers
}

// subjectBase はタイトル、なければ本文スニペットを件名の元にする。
func (b *MessageBuilder) subjectBase(title, text string) string {
	if title != "" {
		return title
	}
	runes := []rune(text)
	if len(runes) > snippetLimit {
		return string(runes[:snippetLimit])
	}
	if text == "" {
		return "(本文なし)"
	}
	return text
}

// messageID はコンテンツの種別とIDから決定的なMessage-IDを構成する。
// 同一コンテンツの通知は常に同じIDを持ち、メールクライアントの
// スレッド表示で束ねられる。
func (b *MessageBuilder) messageID(contentType, contentID string) string {
	return fmt.Sprintf("<%s-%s@%s>", contentType, contentID, b.domain)
}
