// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/notifyd/internal/model"
)

// TriggerRepository はトリガーデータの永続化インターフェース。
type TriggerRepository interface {
	// FindByKeyAndChannel はキーとチャネルでトリガーを検索する。見つからない場合はnilを返す。
	FindByKeyAndChannel(ctx context.Context, key string, channel model.Channel) (*model.Trigger, error)

	// FindByID は指定IDのトリガーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Trigger, error)

	// Ensure はトリガーを冪等に登録してIDを返す。既存の場合は既存行を返す。
	Ensure(ctx context.Context, key string, channel model.Channel) (*model.Trigger, error)
}

// TermSettingRow はタームスコープ設定の1行を表す。
// 集約（any-unmute-wins）はリゾルバ側の純粋関数で行うため、生の行を返す。
type TermSettingRow struct {
	RecipientID string
	TermID      string
	Muted       bool
}

// SettingRepository は4層のスコープ設定の永続化インターフェース。
// 読み取りは候補受信者の一括取得（スコープごとに1クエリ）を提供する。
// 戻り値のマップにキーが存在しない受信者は「そのスコープに設定なし」を意味する。
type SettingRepository interface {
	// NetworkSettings はネットワークスコープの設定を一括取得する。
	NetworkSettings(ctx context.Context, triggerID int64, recipientIDs []string) (map[string]bool, error)

	// TenantSettings はテナントスコープの設定を一括取得する。
	TenantSettings(ctx context.Context, tenantID string, triggerID int64, recipientIDs []string) (map[string]bool, error)

	// TermSettings は指定ターム群に対するタームスコープ設定の生の行を返す。
	TermSettings(ctx context.Context, termIDs []string, triggerID int64, recipientIDs []string) ([]TermSettingRow, error)

	// ContentItemSettings はコンテンツアイテムスコープの設定を一括取得する。
	ContentItemSettings(ctx context.Context, contentID string, triggerID int64, recipientIDs []string) (map[string]bool, error)

	// NetworkPair は粗い3状態設定を構成する2トリガー分のネットワーク設定を取得する。
	// 行が存在しないトリガーについてはnilを返す。
	NetworkPair(ctx context.Context, recipientID string, postTriggerID, commentTriggerID int64) (postMuted, commentMuted *bool, err error)

	// UpsertNetworkPair は2トリガー分のネットワーク設定を単一トランザクションで書き込む。
	// 部分的な書き込みが観測されないことを保証する。
	UpsertNetworkPair(ctx context.Context, recipientID string, postTriggerID, commentTriggerID int64, postMuted, commentMuted bool) error

	// DeleteNetworkPair は2トリガー分のネットワーク設定を単一トランザクションで削除する。
	DeleteNetworkPair(ctx context.Context, recipientID string, postTriggerID, commentTriggerID int64) error

	// Upsert は指定スコープの設定行を冪等に書き込む。
	// scopeKeyはテナントID・タームID・コンテンツIDのいずれか。ネットワークスコープでは空文字。
	Upsert(ctx context.Context, scope model.Scope, recipientID, scopeKey string, triggerID int64, muted bool) error

	// Delete は指定スコープの設定行を削除し、継承に戻す。行がなくてもエラーにならない。
	Delete(ctx context.Context, scope model.Scope, recipientID, scopeKey string, triggerID int64) error
}

// ScheduleRepository は配信頻度設定の永続化インターフェース。
type ScheduleRepository interface {
	// Find は(受信者, テナント, チャネル)の配信頻度設定を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, recipientID, tenantID string, channel model.Channel) (*model.SchedulePreference, error)

	// FindForRecipients は複数受信者の配信頻度設定を一括取得する。
	// マップに存在しない受信者はデフォルト（immediate）を意味する。
	FindForRecipients(ctx context.Context, tenantID string, channel model.Channel, recipientIDs []string) (map[string]model.SchedulePreference, error)

	// Upsert は配信頻度設定を冪等に書き込む。
	Upsert(ctx context.Context, pref *model.SchedulePreference) error
}

// QueueRepository は配信キューの永続化インターフェース。
// 状態遷移が唯一の変更手段であり、行の宛先やイベントの付け替えは提供しない。
type QueueRepository interface {
	// Insert はキューアイテムをpending状態で挿入する。
	Insert(ctx context.Context, item *model.QueueItem) error

	// ListDueGroups は配信期限が到来したpending行のイベントグループを取得する。
	// 最古のcreated_at昇順で最大limitグループを返す。
	ListDueGroups(ctx context.Context, limit int) ([]model.QueueGroup, error)

	// ClaimGroup はグループのpending行をprocessingへ原子的に遷移させ、遷移した行を返す。
	// 条件付きUPDATEのため、並行実行中の別ランナーが同一グループを取得することはない。
	// 遷移した行が0件の場合は空スライスを返す。
	ClaimGroup(ctx context.Context, g model.QueueGroup) ([]*model.QueueItem, error)

	// MarkSent は指定行をsentにし、sent_atを記録する。
	MarkSent(ctx context.Context, ids []string, sentAt time.Time) error

	// MarkPending はprocessing中の指定行をpendingに戻す。
	// 時間予算の超過で処理を打ち切る際、未送信の取得済み行を次回実行に返す。
	MarkPending(ctx context.Context, ids []string) error

	// MarkFailed は指定行をfailedにする。
	MarkFailed(ctx context.Context, ids []string) error

	// MarkOrphaned は指定行をorphanedにする。
	MarkOrphaned(ctx context.Context, ids []string) error

	// ResetStuck は閾値を超えてprocessingのまま残った行を復旧する。
	// sent_atが記録済みの行はsentに確定し、それ以外はpendingに戻す。
	// 戻り値は(pendingに戻した件数, sentに確定した件数)。冪等。
	ResetStuck(ctx context.Context, threshold time.Duration) (reset int64, finalized int64, err error)

	// MoveFailedToPending は全failed行をpendingに戻し、各行のfail_countをインクリメントする。
	// fail_countが未設定の行は1で作成する。
	MoveFailedToPending(ctx context.Context) (int64, error)

	// DeleteSentBefore はsent_atがcutoffより古いsent行を削除する。
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteFailedBefore はcreated_atがcutoffより古いfailed行を削除する。
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Querier はSQLのExecContextとQueryContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}
