package resolver

import (
	"testing"

	"github.com/hitoshi/notifyd/internal/model"
	"github.com/hitoshi/notifyd/internal/repository"
)

func TestAggregateTermStates(t *testing.T) {
	tests := []struct {
		name string
		rows []repository.TermSettingRow
		want map[string]model.MuteState
	}{
		{
			name: "アンミュートが1件でもあればアンミュートが勝つ",
			rows: []repository.TermSettingRow{
				{RecipientID: "user-1", TermID: "term-a", Muted: true},
				{RecipientID: "user-1", TermID: "term-b", Muted: false},
			},
			want: map[string]model.MuteState{"user-1": model.MuteOff},
		},
		{
			name: "ミュートのみの場合はミュート",
			rows: []repository.TermSettingRow{
				{RecipientID: "user-1", TermID: "term-a", Muted: true},
				{RecipientID: "user-1", TermID: "term-b", Muted: true},
			},
			want: map[string]model.MuteState{"user-1": model.MuteOn},
		},
		{
			name: "アンミュートの後にミュートが来ても上書きされない",
			rows: []repository.TermSettingRow{
				{RecipientID: "user-1", TermID: "term-a", Muted: false},
				{RecipientID: "user-1", TermID: "term-b", Muted: true},
			},
			want: map[string]model.MuteState{"user-1": model.MuteOff},
		},
		{
			name: "設定がない受信者はマップに現れない",
			rows: []repository.TermSettingRow{},
			want: map[string]model.MuteState{},
		},
		{
			name: "受信者ごとに独立して集約される",
			rows: []repository.TermSettingRow{
				{RecipientID: "user-1", TermID: "term-a", Muted: true},
				{RecipientID: "user-2", TermID: "term-a", Muted: false},
			},
			want: map[string]model.MuteState{
				"user-1": model.MuteOn,
				"user-2": model.MuteOff,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := aggregateTermStates(tt.rows)
			if len(got) != len(tt.want) {
				t.Fatalf("件数が一致しない: 期待値 %d, 実際 %d", len(tt.want), len(got))
			}
			for id, state := range tt.want {
				if got[id] != state {
					t.Errorf("受信者 %s: 期待値 %v, 実際 %v", id, state, got[id])
				}
			}
		})
	}
}

func TestFinalMuteState_Specificity(t *testing.T) {
	tests := []struct {
		name string
		snap *scopeSnapshot
		want model.MuteState
	}{
		{
			name: "コンテンツアイテム設定がターム・テナント・ネットワークに勝つ",
			snap: &scopeSnapshot{
				contentItem: map[string]bool{"user-1": false},
				termStates:  map[string]model.MuteState{"user-1": model.MuteOn},
				tenant:      map[string]bool{"user-1": true},
				network:     map[string]bool{"user-1": true},
			},
			want: model.MuteOff,
		},
		{
			name: "コンテンツアイテムのミュートがタームのアンミュートに勝つ",
			snap: &scopeSnapshot{
				contentItem: map[string]bool{"user-1": true},
				termStates:  map[string]model.MuteState{"user-1": model.MuteOff},
			},
			want: model.MuteOn,
		},
		{
			name: "ターム集約がテナント・ネットワークに勝つ",
			snap: &scopeSnapshot{
				termStates: map[string]model.MuteState{"user-1": model.MuteOff},
				tenant:     map[string]bool{"user-1": true},
				network:    map[string]bool{"user-1": true},
			},
			want: model.MuteOff,
		},
		{
			name: "テナント設定がネットワークに勝つ",
			snap: &scopeSnapshot{
				tenant:  map[string]bool{"user-1": true},
				network: map[string]bool{"user-1": false},
			},
			want: model.MuteOn,
		},
		{
			name: "ネットワーク設定のみ",
			snap: &scopeSnapshot{
				network: map[string]bool{"user-1": true},
			},
			want: model.MuteOn,
		},
		{
			name: "どのスコープにも設定がない場合は未定義",
			snap: &scopeSnapshot{},
			want: model.MuteUndefined,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := finalMuteState("user-1", tt.snap)
			if got != tt.want {
				t.Errorf("期待値 %v, 実際 %v", tt.want, got)
			}
		})
	}
}

func TestShouldNotify(t *testing.T) {
	if !shouldNotify(model.MuteOff, false) {
		t.Error("明示的アンミュートはデフォルトに関わらず通知されるべき")
	}
	if shouldNotify(model.MuteOn, true) {
		t.Error("明示的ミュートはデフォルトに関わらず通知されないべき")
	}
	if !shouldNotify(model.MuteUndefined, true) {
		t.Error("未定義はグローバルデフォルト(true)に従うべき")
	}
	if shouldNotify(model.MuteUndefined, false) {
		t.Error("未定義はグローバルデフォルト(false)に従うべき")
	}
}
