package model

// Scope は通知設定のオーバーライドレベルを表す。
// 狭いスコープほど優先される（具体性のルール）。
type Scope string

const (
	// ScopeNetwork はプラットフォーム全体のスコープ。最も広い。
	ScopeNetwork Scope = "network"
	// ScopeTenant はテナント単位のスコープ。
	ScopeTenant Scope = "tenant"
	// ScopeTerm はタクソノミーターム単位のスコープ。
	ScopeTerm Scope = "term"
	// ScopeContentItem は個別コンテンツアイテム単位のスコープ。最も狭い。
	ScopeContentItem Scope = "content_item"
)

// MuteState はあるスコープでのミュート判定の三値を表す。
type MuteState int

const (
	// MuteUndefined はそのスコープに設定行が存在しないことを示す。
	// 解決はより広いスコープへフォールスルーする。
	MuteUndefined MuteState = iota
	// MuteOn は明示的ミュート。
	MuteOn
	// MuteOff は明示的アンミュート。
	MuteOff
)

// MuteStateOf は設定行の有無とミュートフラグからMuteStateを作る。
func MuteStateOf(exists, muted bool) MuteState {
	if !exists {
		return MuteUndefined
	}
	if muted {
		return MuteOn
	}
	return MuteOff
}

// CoarsePreference はネットワークスコープの粗い3状態設定を表す。
// 記事トリガーとコメントトリガーの2つのミュートフラグの組にエンコードされる。
type CoarsePreference string

const (
	// PreferenceBoth は記事とコメントの両方を受信する。
	PreferenceBoth CoarsePreference = "both"
	// PreferenceFirstOnly は最初のイベント（記事）のみ受信する。
	PreferenceFirstOnly CoarsePreference = "first-only"
	// PreferenceNone はどちらも受信しない。
	PreferenceNone CoarsePreference = "none"
	// PreferenceUndefined は到達し得ないフラグ組に対する値。
	// 推測せず未定義として扱い、ログに記録する。
	PreferenceUndefined CoarsePreference = "undefined"
)

// SchedulePreference は(受信者, テナント, チャネル)ごとの配信頻度設定を表す。
// 行が存在しない場合のデフォルトはimmediate。
type SchedulePreference struct {
	RecipientID string
	TenantID    string
	Channel     Channel
	Cadence     Cadence
	Timezone    Timezone
}

// Timezone は受信者のタイムゾーン指定を表す。
// Nameが優先され、ロードできない場合はOffsetMinutesで固定オフセットを構成する。
type Timezone struct {
	Name          string
	OffsetMinutes int
}
