package mailer

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/notifyd/internal/platform"
)

// compile-time interface check
var _ platform.MailTransport = (*SMTPTransport)(nil)

// SMTPTransport はSMTP経由の外向きメール送信を実装する。
type SMTPTransport struct {
	addr string // SMTPサーバのアドレス（host:port）
	from string // 送信元アドレス
	now  func() time.Time
}

// NewSMTPTransport はSMTPTransportの新しいインスタンスを生成する。
func NewSMTPTransport(addr, from string) *SMTPTransport {
	return &SMTPTransport{
		addr: addr,
		from: from,
		now:  time.Now,
	}
}

// SendBlind は宛先リストをブラインド受信者として1通のメッセージを送信する。
// 宛先はSMTPエンベロープにのみ現れ、メッセージヘッダには露出しない。
func (t *SMTPTransport) SendBlind(ctx context.Context, addresses []string, subject, body string, headers map[string]string) error {
	if len(addresses) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := t.buildMessage(subject, body, headers)
	if err := smtp.SendMail(t.addr, nil, t.from, addresses, msg); err != nil {
		return fmt.Errorf("メールの送信に失敗しました: %w", err)
	}
	return nil
}

// buildMessage はヘッダと本文からRFC 5322形式のメッセージを構成する。
func (t *SMTPTransport) buildMessage(subject, body string, headers map[string]string) []byte {
	var sb strings.Builder

	sb.WriteString("From: " + t.from + "\r\n")
	sb.WriteString("To: undisclosed-recipients:;\r\n")
	sb.WriteString("Subject: " + mime.QEncoding.Encode("UTF-8", subject) + "\r\n")
	sb.WriteString("Date: " + t.now().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")

	// ヘッダの出力順を決定的にする。
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k + ": " + headers[k] + "\r\n")
	}

	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
