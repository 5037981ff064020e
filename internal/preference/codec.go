// Package preference はネットワークスコープの粗い3状態設定の管理を提供する。
//
// 粗い設定は記事トリガーとコメントトリガーの2つのミュートフラグの組に
// エンコードされる。デコード表:
//
//	(post=false, comment=false) → both
//	(post=false, comment=true)  → first-only
//	(post=true,  comment=true)  → none
//	(post=true,  comment=false) → undefined（到達し得ない状態）
//
// 第4の組み合わせは有効な書き込み経路からは生成されない。観測した場合は
// ログに記録して未定義として扱い、値を推測しない。
package preference

import "github.com/hitoshi/notifyd/internal/model"

// Decode は2つのミュートフラグから粗い3状態設定を復元する。
// 無効な組み合わせにはPreferenceUndefinedを返す。
func Decode(postMuted, commentMuted bool) model.CoarsePreference {
	switch {
	case !postMuted && !commentMuted:
		return model.PreferenceBoth
	case !postMuted && commentMuted:
		return model.PreferenceFirstOnly
	case postMuted && commentMuted:
		return model.PreferenceNone
	default:
		return model.PreferenceUndefined
	}
}

// Encode は粗い3状態設定を2つのミュートフラグに変換する。
// エンコードできない値（undefined等）にはok=falseを返す。
func Encode(pref model.CoarsePreference) (postMuted, commentMuted, ok bool) {
	switch pref {
	case model.PreferenceBoth:
		return false, false, true
	case model.PreferenceFirstOnly:
		return false, true, true
	case model.PreferenceNone:
		return true, true, true
	default:
		return false, false, false
	}
}
