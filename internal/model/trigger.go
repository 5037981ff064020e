// Package model はドメインモデルを定義する。
package model

// Channel は通知の配信チャネルを表す。
type Channel string

const (
	// ChannelMail は組み込みのメール配信チャネル。
	ChannelMail Channel = "mail"
)

// Trigger はイベント種別と配信チャネルの組を表す。
// キューアイテムから参照された後は不変として扱う。
type Trigger struct {
	ID      int64
	Key     string
	Channel Channel
}

// PostTriggerKey は記事公開イベントのトリガーキーを導出する。
// 例: contentType="post" → "post-post"
func PostTriggerKey(contentType string) string {
	return "post-" + contentType
}

// CommentTriggerKey はコメントイベントのトリガーキーを導出する。
// 親コンテンツの種別から導出する。例: parentType="page" → "comment-page"
func CommentTriggerKey(parentType string) string {
	return "comment-" + parentType
}
