package preference

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/notifyd/internal/model"
	"github.com/hitoshi/notifyd/internal/repository"
)

// Service はスコープ設定の読み書きを提供する。
// 粗い3状態設定の書き込みは2トリガー分のフラグを対で原子的に更新する。
type Service struct {
	settingRepo repository.SettingRepository
	logger      *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(settingRepo repository.SettingRepository, logger *slog.Logger) *Service {
	return &Service{
		settingRepo: settingRepo,
		logger:      logger,
	}
}

// GetCoarse は受信者のネットワークスコープの粗い設定を取得する。
// どちらのトリガーにも設定行がない場合はnilを返す（継承を意味する）。
// 無効なフラグの組み合わせはPreferenceUndefinedとして返し、ログに記録する。
func (s *Service) GetCoarse(ctx context.Context, recipientID string, postTriggerID, commentTriggerID int64) (*model.CoarsePreference, error) {
	postMuted, commentMuted, err := s.settingRepo.NetworkPair(ctx, recipientID, postTriggerID, commentTriggerID)
	if err != nil {
		return nil, err
	}

	if postMuted == nil && commentMuted == nil {
		return nil, nil
	}

	// 片側だけ行が存在する状態は対での書き込みからは生じない。
	// 未設定側はミュートなしとして復元する。
	post := postMuted != nil && *postMuted
	comment := commentMuted != nil && *commentMuted

	pref := Decode(post, comment)
	if pref == model.PreferenceUndefined {
		s.logger.Warn("ネットワーク設定のフラグが無効な組み合わせです",
			slog.String("recipient_id", recipientID),
			slog.Bool("post_muted", post),
			slog.Bool("comment_muted", comment),
		)
	}

	return &pref, nil
}

// SetCoarse は受信者のネットワークスコープの粗い設定を書き込む。
// 2トリガー分のフラグを単一トランザクションで更新し、部分的な書き込みを観測させない。
func (s *Service) SetCoarse(ctx context.Context, recipientID string, postTriggerID, commentTriggerID int64, pref model.CoarsePreference) error {
	postMuted, commentMuted, ok := Encode(pref)
	if !ok {
		return fmt.Errorf("書き込みできない設定値です: %s", pref)
	}

	return s.settingRepo.UpsertNetworkPair(ctx, recipientID, postTriggerID, commentTriggerID, postMuted, commentMuted)
}

// RemoveCoarse は受信者のネットワークスコープの粗い設定を削除し、デフォルトに戻す。
func (s *Service) RemoveCoarse(ctx context.Context, recipientID string, postTriggerID, commentTriggerID int64) error {
	return s.settingRepo.DeleteNetworkPair(ctx, recipientID, postTriggerID, commentTriggerID)
}

// SetScoped は指定スコープの設定行を冪等に書き込む。
func (s *Service) SetScoped(ctx context.Context, scope model.Scope, recipientID, scopeKey string, triggerID int64, muted bool) error {
	return s.settingRepo.Upsert(ctx, scope, recipientID, scopeKey, triggerID, muted)
}

// RemoveScoped は指定スコープの設定行を削除し、より広いスコープへの継承に戻す。
func (s *Service) RemoveScoped(ctx context.Context, scope model.Scope, recipientID, scopeKey string, triggerID int64) error {
	return s.settingRepo.Delete(ctx, scope, recipientID, scopeKey, triggerID)
}
