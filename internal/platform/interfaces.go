// Package platform はホストプラットフォームとの境界インターフェースを定義する。
//
// ユーザー・テナント・コンテンツの実体はホスト側が所有しており、
// このコアは参照のみを行う。各インターフェースはコンストラクタ注入で
// リゾルバやディスパッチャに渡される。
package platform

import (
	"context"

	"github.com/hitoshi/notifyd/internal/model"
)

// MembershipService はテナントメンバーシップの参照インターフェース。
type MembershipService interface {
	// MembersOf はテナントのメンバーである受信者IDの集合を返す。
	// アーカイブ済み・削除済みテナントでは空集合を返す。
	MembersOf(ctx context.Context, tenantID string) ([]string, error)
}

// ContentService はコンテンツオブジェクトの参照インターフェース。
type ContentService interface {
	// GetContent は指定コンテンツを取得する。消失している場合はnilを返す。
	GetContent(ctx context.Context, contentType, contentID, tenantID string) (*model.Content, error)
}

// IdentityService はユーザーアイデンティティの参照インターフェース。
type IdentityService interface {
	// ResolveMention は@メンション名を受信者IDに解決する。該当なしは空文字を返す。
	ResolveMention(ctx context.Context, name string) (string, error)

	// UsersByIDs は受信者IDの集合からユーザーレコードを取得する。
	// 存在しないIDは結果に含まれない（呼び出し側で孤立判定に使う）。
	UsersByIDs(ctx context.Context, ids []string) ([]model.Recipient, error)
}

// RecipientFilter は受信者リストを任意に加工する拡張ポイント。
// メンションのユニオン前の候補リストに対して呼び出される。
type RecipientFilter interface {
	// FilterRecipients は候補受信者IDのリストを加工して返す。
	FilterRecipients(ctx context.Context, candidateIDs []string, content *model.Content) ([]string, error)
}

// MailTransport は外向きメール送信の境界インターフェース。
type MailTransport interface {
	// SendBlind は宛先リストをブラインド受信者として1通のメッセージを送信する。
	// 宛先同士のアドレスは互いに露出しない。
	SendBlind(ctx context.Context, addresses []string, subject, body string, headers map[string]string) error
}

// ChunkOverride はメールチャネルのチャンク送信を差し替える拡張ポイント。
type ChunkOverride interface {
	// SendChunk は1チャンク分の送信を引き受ける。
	// (true, err) を返した場合は送信を処理したものとして扱い、既定の送信は行わない。
	// (false, _) を返した場合は既定の送信にフォールバックする。
	SendChunk(ctx context.Context, users []model.Recipient, content *model.Content, item *model.QueueItem) (handled bool, err error)
}

// ChannelResult はカスタムチャネル送信の結果を表す。3つの集合は互いに素であること。
type ChannelResult struct {
	Succeeded    []string // sentになる受信者ID
	Failed       []string // failedになる受信者ID
	NotProcessed []string // 処理されなかった受信者ID。failedとして記録される。
}

// ChannelSender はメール以外のカスタムチャネルの送信拡張ポイント。
type ChannelSender interface {
	// Send は指定チャネルでの送信を実行し、受信者IDを3つの互いに素な集合に分類して返す。
	Send(ctx context.Context, channel model.Channel, users []model.Recipient, content *model.Content, items []*model.QueueItem) (ChannelResult, error)
}
