package model

// Recipient は通知の宛先となるユーザーレコードを表す。
// ホストプラットフォームのアイデンティティ参照から取得する。
type Recipient struct {
	ID          string
	Address     string
	DisplayName string
}
