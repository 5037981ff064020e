package resolver

import (
	"github.com/hitoshi/notifyd/internal/model"
	"github.com/hitoshi/notifyd/internal/repository"
)

// scopeSnapshot は候補受信者全員分のスコープ設定のスナップショット。
// スコープごとに1クエリで一括取得した結果を保持し、以降の判定はメモリ上で行う。
type scopeSnapshot struct {
	// contentItem は該当コンテンツアイテムに対する設定。キーは受信者ID。
	// コメントイベントでのみ取得される。記事イベントではnil。
	contentItem map[string]bool

	// termStates は受信者ごとのターム集約結果。aggregateTermStatesで構築する。
	termStates map[string]model.MuteState

	// tenant はテナントスコープの設定。キーは受信者ID。
	tenant map[string]bool

	// network はネットワークスコープの設定。キーは受信者ID。
	network map[string]bool
}

// finalMuteState は受信者の最終ミュート状態を計算する。
// 最も狭いスコープから順に評価し、最初に定義されている値を採用する。
// どのスコープにも設定がない場合はMuteUndefinedを返し、呼び出し側が
// グローバルデフォルトを適用する。
func finalMuteState(recipientID string, snap *scopeSnapshot) model.MuteState {
	if muted, ok := snap.contentItem[recipientID]; ok {
		return model.MuteStateOf(true, muted)
	}
	if state, ok := snap.termStates[recipientID]; ok && state != model.MuteUndefined {
		return state
	}
	if muted, ok := snap.tenant[recipientID]; ok {
		return model.MuteStateOf(true, muted)
	}
	if muted, ok := snap.network[recipientID]; ok {
		return model.MuteStateOf(true, muted)
	}
	return model.MuteUndefined
}

// aggregateTermStates はタームスコープの生の行を受信者ごとの集約結果に畳み込む。
// ルール: 付与ターム群のいずれかに明示的アンミュートがあればアンミュート。
// アンミュートがなく明示的ミュートが1つでもあればミュート。
// 設定行が1つもない受信者はマップに現れない（未定義としてフォールスルー）。
func aggregateTermStates(rows []repository.TermSettingRow) map[string]model.MuteState {
	states := make(map[string]model.MuteState, len(rows))
	for _, row := range rows {
		if !row.Muted {
			states[row.RecipientID] = model.MuteOff
			continue
		}
		// アンミュートが既に勝っている場合はミュートで上書きしない。
		if states[row.RecipientID] != model.MuteOff {
			states[row.RecipientID] = model.MuteOn
		}
	}
	return states
}

// shouldNotify は最終ミュート状態とグローバルデフォルトから通知可否を決める。
func shouldNotify(state model.MuteState, defaultNotify bool) bool {
	switch state {
	case model.MuteOff:
		return true
	case model.MuteOn:
		return false
	default:
		return defaultNotify
	}
}
