package model

import (
	"encoding/json"
	"time"
)

// QueueStatus はキューアイテムの配信状態を表す。
type QueueStatus string

const (
	// StatusPending は配信待ちの状態。
	StatusPending QueueStatus = "pending"
	// StatusProcessing は配信処理中の状態。
	StatusProcessing QueueStatus = "processing"
	// StatusSent は配信完了の状態。終端状態。
	StatusSent QueueStatus = "sent"
	// StatusFailed は配信失敗の状態。オペレータによる再投入が可能。
	StatusFailed QueueStatus = "failed"
	// StatusOrphaned は対象オブジェクトまたは受信者が消失した状態。終端状態。
	StatusOrphaned QueueStatus = "orphaned"
)

// Cadence は受信者の配信頻度設定を表す。
type Cadence string

const (
	// CadenceImmediate は即時配信。
	CadenceImmediate Cadence = "immediate"
	// CadenceDaily は日次配信。
	CadenceDaily Cadence = "daily"
	// CadenceWeekly は週次配信。
	CadenceWeekly Cadence = "weekly"
)

// ParseCadence は文字列をCadenceに変換する。未知の値はimmediateとして扱う。
func ParseCadence(s string) Cadence {
	switch Cadence(s) {
	case CadenceDaily:
		return CadenceDaily
	case CadenceWeekly:
		return CadenceWeekly
	default:
		return CadenceImmediate
	}
}

// DispatchMeta はキューアイテムに付随する構造化メタデータ。
// 再試行回数を型付きで保持しつつ、未知フィールドも失わずに往復させる。
type DispatchMeta struct {
	FailCount int
	Extra     map[string]json.RawMessage
}

// MarshalJSON はFailCountと未知フィールドをマージしてシリアライズする。
func (m DispatchMeta) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+1)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.FailCount != 0 {
		raw, err := json.Marshal(m.FailCount)
		if err != nil {
			return nil, err
		}
		out["fail_count"] = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON はfail_countを取り出し、残りのフィールドをExtraに保持する。
func (m *DispatchMeta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["fail_count"]; ok {
		if err := json.Unmarshal(v, &m.FailCount); err != nil {
			return err
		}
		delete(raw, "fail_count")
	}
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// QueueItem は配信キューの1行を表す。(受信者, イベント)ごとに1行。
// 一度作成された行は受信者やイベントを付け替えられず、状態遷移のみが変更となる。
type QueueItem struct {
	ID          string
	RecipientID string
	TenantID    string
	ContentID   string
	ContentType string
	TriggerID   int64
	Reason      string
	Cadence     Cadence
	ScheduledAt *time.Time // UTC。nilは即時配信を意味する。
	Status      QueueStatus
	Meta        DispatchMeta
	CreatedAt   time.Time
	SentAt      *time.Time
}

// QueueGroup は同一イベントに属するキュー行のグループキーを表す。
// バッチ配信の選択単位となる。
type QueueGroup struct {
	TenantID    string
	ContentID   string
	ContentType string
	TriggerID   int64
	Reason      string
	Cadence     Cadence
	OldestAt    time.Time
}
