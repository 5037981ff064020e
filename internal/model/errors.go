package model

import "fmt"

// NotifyError は通知コアの統一エラーフォーマットを表す。
// 設定不備と参照失敗を区別できるよう、原因カテゴリを含む。
type NotifyError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: config, resolution, delivery
}

// Error はerrorインターフェースを実装する。
func (e *NotifyError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeTriggerNotFound  = "TRIGGER_NOT_FOUND"
	ErrCodeTriggerLookup    = "TRIGGER_LOOKUP_FAILED"
	ErrCodeMembershipLookup = "MEMBERSHIP_LOOKUP_FAILED"
	ErrCodeSettingsLookup   = "SETTINGS_LOOKUP_FAILED"
	ErrCodeContentNotFound  = "CONTENT_NOT_FOUND"
)

// NewTriggerNotFoundError はトリガー未設定エラーを生成する。
// キーとチャネルの組に対するトリガーが登録されていない構成エラーであり、
// 「受信者が0人に解決された」こととは区別される。
func NewTriggerNotFoundError(key string, channel Channel) *NotifyError {
	return &NotifyError{
		Code:     ErrCodeTriggerNotFound,
		Message:  fmt.Sprintf("トリガーが設定されていません: key=%s channel=%s", key, channel),
		Category: "config",
	}
}

// NewTriggerLookupError はトリガーの参照自体が失敗したエラーを生成する。
// トリガーが未登録であること（TRIGGER_NOT_FOUND）とは区別される。
func NewTriggerLookupError(key string, channel Channel, cause error) *NotifyError {
	return &NotifyError{
		Code:     ErrCodeTriggerLookup,
		Message:  fmt.Sprintf("トリガーの取得に失敗しました: key=%s channel=%s cause=%v", key, channel, cause),
		Category: "resolution",
	}
}

// NewMembershipLookupError はテナントメンバーシップ参照失敗エラーを生成する。
func NewMembershipLookupError(tenantID string, cause error) *NotifyError {
	return &NotifyError{
		Code:     ErrCodeMembershipLookup,
		Message:  fmt.Sprintf("テナントメンバーの取得に失敗しました: tenant=%s cause=%v", tenantID, cause),
		Category: "resolution",
	}
}

// NewSettingsLookupError はスコープ設定の取得失敗エラーを生成する。
func NewSettingsLookupError(scope Scope, cause error) *NotifyError {
	return &NotifyError{
		Code:     ErrCodeSettingsLookup,
		Message:  fmt.Sprintf("スコープ設定の取得に失敗しました: scope=%s cause=%v", scope, cause),
		Category: "resolution",
	}
}

// NewContentNotFoundError はコンテンツオブジェクト消失エラーを生成する。
func NewContentNotFoundError(contentType, contentID string) *NotifyError {
	return &NotifyError{
		Code:     ErrCodeContentNotFound,
		Message:  fmt.Sprintf("コンテンツが見つかりません: type=%s id=%s", contentType, contentID),
		Category: "delivery",
	}
}
