// Package queue はイベントから配信キューへのファンアウトを提供する。
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/notifyd/internal/metrics"
	"github.com/hitoshi/notifyd/internal/model"
	"github.com/hitoshi/notifyd/internal/repository"
	"github.com/hitoshi/notifyd/internal/resolver"
	"github.com/hitoshi/notifyd/internal/scheduler"
)

// Service はイベントを受信者ごとのキュー行に展開する。
type Service struct {
	triggerRepo  repository.TriggerRepository
	queueRepo    repository.QueueRepository
	scheduleRepo repository.ScheduleRepository
	resolver     *resolver.Resolver
	scheduler    *scheduler.Scheduler
	collector    metrics.MetricsCollector
	logger       *slog.Logger
	now          func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	triggerRepo repository.TriggerRepository,
	queueRepo repository.QueueRepository,
	scheduleRepo repository.ScheduleRepository,
	res *resolver.Resolver,
	sched *scheduler.Scheduler,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	return &Service{
		triggerRepo:  triggerRepo,
		queueRepo:    queueRepo,
		scheduleRepo: scheduleRepo,
		resolver:     res,
		scheduler:    sched,
		collector:    collector,
		logger:       logger,
		now:          time.Now,
	}
}

// Accept はトリガーキーを(キー, チャネル)で解決し、Enqueueを実行する。
// イベント受付の入り口として使う。トリガーが未登録の場合はエラーを返す。
func (s *Service) Accept(ctx context.Context, event *model.Event, reason string, channel model.Channel) (int, error) {
	key := event.TriggerKey()
	trigger, err := s.triggerRepo.FindByKeyAndChannel(ctx, key, channel)
	if err != nil {
		return 0, err
	}
	if trigger == nil {
		return 0, model.NewTriggerNotFoundError(key, channel)
	}
	return s.Enqueue(ctx, event, reason, trigger.ID, model.DispatchMeta{})
}

// Enqueue はイベントを解決し、受信者1人につき1行をpending状態で挿入する。
// 挿入した件数を返す。
//
// 行単位の挿入失敗はログに記録して残りの挿入を続行する。1人分の不正な行が
// 他の受信者への配信を妨げないよう、受信者をまたぐトランザクションは張らない。
func (s *Service) Enqueue(ctx context.Context, event *model.Event, reason string, triggerID int64, meta model.DispatchMeta) (int, error) {
	trigger, err := s.triggerRepo.FindByID(ctx, triggerID)
	if err != nil {
		return 0, err
	}
	if trigger == nil {
		return 0, model.NewTriggerNotFoundError(event.TriggerKey(), "")
	}

	result := s.resolver.Resolve(ctx, event, trigger.Channel)
	if result.Failure != nil {
		return 0, result.Failure
	}
	if len(result.RecipientIDs) == 0 {
		s.logger.Info("通知先が0人のためキューへの投入をスキップします",
			slog.String("tenant_id", event.TenantID),
			slog.String("content_id", event.ContentID),
		)
		return 0, nil
	}

	prefs, err := s.scheduleRepo.FindForRecipients(ctx, event.TenantID, trigger.Channel, result.RecipientIDs)
	if err != nil {
		// 配信頻度設定が引けなくても通知自体は落とさず、全員即時として扱う。
		s.logger.Warn("配信頻度設定の取得に失敗したため全員即時配信とします",
			slog.String("tenant_id", event.TenantID),
			slog.String("error", err.Error()),
		)
		prefs = nil
	}

	now := s.now()
	inserted := 0
	for _, recipientID := range result.RecipientIDs {
		cadence := model.CadenceImmediate
		tz := model.Timezone{}
		if pref, ok := prefs[recipientID]; ok {
			cadence = pref.Cadence
			tz = pref.Timezone
		}

		item := &model.QueueItem{
			ID:          uuid.NewString(),
			RecipientID: recipientID,
			TenantID:    event.TenantID,
			ContentID:   event.ContentID,
			ContentType: event.ContentType,
			TriggerID:   trigger.ID,
			Reason:      reason,
			Cadence:     cadence,
			ScheduledAt: s.scheduler.DispatchAt(cadence, now, tz),
			Status:      model.StatusPending,
			Meta:        meta,
			CreatedAt:   now,
		}

		if err := s.queueRepo.Insert(ctx, item); err != nil {
			s.logger.Error("キューアイテムの挿入に失敗しました",
				slog.String("recipient_id", recipientID),
				slog.String("content_id", event.ContentID),
				slog.String("error", err.Error()),
			)
			continue
		}
		inserted++
	}

	s.collector.RecordEnqueued(inserted)
	s.logger.Info("キューへの投入が完了しました",
		slog.String("tenant_id", event.TenantID),
		slog.String("content_id", event.ContentID),
		slog.String("trigger_key", trigger.Key),
		slog.Int("inserted", inserted),
		slog.Int("recipients", len(result.RecipientIDs)),
	)
	return inserted, nil
}
