// Package dispatch は配信キューのバッチ処理を提供する。
// 期限到来グループの取得、processing遷移、チャンク送信、状態確定を含む。
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/notifyd/internal/mailer"
	"github.com/hitoshi/notifyd/internal/metrics"
	"github.com/hitoshi/notifyd/internal/model"
	"github.com/hitoshi/notifyd/internal/platform"
	"github.com/hitoshi/notifyd/internal/repository"
)

// Options は配信バッチの動作パラメータ。
type Options struct {
	// GroupLimit は1回の実行で処理するイベントグループの上限数。
	GroupLimit int
	// ChunkSize はメールチャネルの1チャンクあたりの宛先数。
	ChunkSize int
	// TimeBudget は1回の実行の壁時計時間の予算。チャンク・グループの
	// 境界でのみ判定する協調的な打ち切りで、送信中のチャンクは中断しない。
	TimeBudget time.Duration
	// ChunkPause はチャンク間の最小間隔。0なら間隔を置かない。
	ChunkPause time.Duration
}

// Dispatcher は配信キューのバッチ処理を実行する。
// 並行制御はClaimGroupの条件付きUPDATEのみに依存しており、
// 2つの実行が重なっても同一行が二重に処理されることはない。
type Dispatcher struct {
	queueRepo     repository.QueueRepository
	triggerRepo   repository.TriggerRepository
	contentSvc    platform.ContentService
	identity      platform.IdentityService
	transport     platform.MailTransport
	builder       *mailer.MessageBuilder
	chunkHook     platform.ChunkOverride // nil可
	channelSender platform.ChannelSender // nil可
	collector     metrics.MetricsCollector
	logger        *slog.Logger
	limiter       *rate.Limiter // チャンク間のペーシング。nilなら無効。
	opts          Options
	now           func() time.Time
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
// chunkHookとchannelSenderはnilでもよい（拡張ポイント未設定を意味する）。
func NewDispatcher(
	queueRepo repository.QueueRepository,
	triggerRepo repository.TriggerRepository,
	contentSvc platform.ContentService,
	identity platform.IdentityService,
	transport platform.MailTransport,
	builder *mailer.MessageBuilder,
	chunkHook platform.ChunkOverride,
	channelSender platform.ChannelSender,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Dispatcher {
	if opts.GroupLimit <= 0 {
		opts.GroupLimit = 20
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 300
	}
	if opts.TimeBudget <= 0 {
		opts.TimeBudget = 48 * time.Second
	}

	var limiter *rate.Limiter
	if opts.ChunkPause > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.ChunkPause), 1)
	}

	return &Dispatcher{
		queueRepo:     queueRepo,
		triggerRepo:   triggerRepo,
		contentSvc:    contentSvc,
		identity:      identity,
		transport:     transport,
		builder:       builder,
		chunkHook:     chunkHook,
		channelSender: channelSender,
		collector:     collector,
		logger:        logger,
		limiter:       limiter,
		opts:          opts,
		now:           time.Now,
	}
}

// Start は指定間隔のティッカーで配信バッチを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("配信スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("group_limit", d.opts.GroupLimit),
		slog.Int("chunk_size", d.opts.ChunkSize),
	)

	// 起動直後に1回実行
	if err := d.RunOnce(ctx); err != nil {
		d.logger.Error("配信サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("配信スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				d.logger.Error("配信サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は期限到来グループを1回分処理する。
// グループは最古の投入時刻の昇順で処理され、時間予算を超過した時点で
// 残りを次回実行に残して打ち切る。
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	start := d.now()
	deadline := start.Add(d.opts.TimeBudget)

	groups, err := d.queueRepo.ListDueGroups(ctx, d.opts.GroupLimit)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	d.logger.Info("配信サイクルを開始します",
		slog.Int("group_count", len(groups)),
	)

	processed := 0
	for _, g := range groups {
		if d.now().After(deadline) {
			d.logger.Warn("時間予算を超過したため残りのグループを次回実行に持ち越します",
				slog.Int("processed", processed),
				slog.Int("remaining", len(groups)-processed),
			)
			break
		}
		d.processGroup(ctx, g, deadline)
		processed++
	}

	duration := time.Since(start)
	d.collector.RecordCycleDuration(duration)
	d.logger.Info("配信サイクルが完了しました",
		slog.Int("group_count", processed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// processGroup は1イベントグループを処理する。
// グループ内のエラーはログに記録してグループ単位で隔離し、バッチ全体は落とさない。
// 取得済みのままこの関数が中断した行はスタック復旧処理が回収する。
func (d *Dispatcher) processGroup(ctx context.Context, g model.QueueGroup, deadline time.Time) {
	items, err := d.queueRepo.ClaimGroup(ctx, g)
	if err != nil {
		// 取得に失敗したグループはpendingのまま残り、次回実行で再試行される。
		d.logger.Error("グループの取得に失敗しました",
			slog.String("content_id", g.ContentID),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(items) == 0 {
		// 並行する別の実行が先に取得したグループ。
		return
	}

	trigger, err := d.triggerRepo.FindByID(ctx, g.TriggerID)
	if err != nil || trigger == nil {
		d.logger.Error("トリガーの取得に失敗しました",
			slog.Int64("trigger_id", g.TriggerID),
		)
		d.releaseItems(ctx, items)
		return
	}

	obj, err := d.contentSvc.GetContent(ctx, g.ContentType, g.ContentID, g.TenantID)
	if err != nil {
		d.logger.Error("コンテンツの取得に失敗しました",
			slog.String("content_id", g.ContentID),
			slog.String("error", err.Error()),
		)
		d.releaseItems(ctx, items)
		return
	}
	if obj == nil {
		// 対象オブジェクトが消失している。グループ全行をorphanedにする。
		d.markOrphaned(ctx, itemIDs(items))
		d.logger.Warn("コンテンツが消失したためグループをorphanedにしました",
			slog.String("content_type", g.ContentType),
			slog.String("content_id", g.ContentID),
			slog.Int("item_count", len(items)),
		)
		return
	}

	live, orphanedIDs, users := d.lookupRecipients(ctx, items)
	if users == nil && len(live) > 0 {
		// アイデンティティ参照自体が失敗した。行は復旧処理に委ねる。
		d.releaseItems(ctx, items)
		return
	}
	if len(orphanedIDs) > 0 {
		// 消失した受信者の行だけをorphanedにし、残りは処理を続行する。
		d.markOrphaned(ctx, orphanedIDs)
		d.logger.Warn("存在しない受信者の行をorphanedにしました",
			slog.String("content_id", g.ContentID),
			slog.Int("item_count", len(orphanedIDs)),
		)
	}
	if len(live) == 0 {
		return
	}

	if trigger.Channel == model.ChannelMail {
		d.sendMailChunks(ctx, obj, live, users, deadline)
	} else {
		d.sendCustomChannel(ctx, trigger.Channel, obj, live, users)
	}
}

// lookupRecipients はグループ行の受信者レコードを一括取得し、
// (実在する受信者の行, 消失した受信者の行ID, 受信者レコードのマップ) を返す。
// 参照自体が失敗した場合はusersにnilを返す。
func (d *Dispatcher) lookupRecipients(ctx context.Context, items []*model.QueueItem) (live []*model.QueueItem, orphanedIDs []string, users map[string]model.Recipient) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.RecipientID)
	}

	records, err := d.identity.UsersByIDs(ctx, ids)
	if err != nil {
		d.logger.Error("受信者レコードの取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return items, nil, nil
	}

	users = make(map[string]model.Recipient, len(records))
	for _, rec := range records {
		users[rec.ID] = rec
	}

	for _, item := range items {
		if _, ok := users[item.RecipientID]; ok {
			live = append(live, item)
		} else {
			orphanedIDs = append(orphanedIDs, item.ID)
		}
	}
	return live, orphanedIDs, users
}

// sendMailChunks はメールチャネルの行を固定サイズのチャンクに分割して送信する。
// チャンクの境界で時間予算を判定し、超過時は未送信の行をpendingに戻して打ち切る。
func (d *Dispatcher) sendMailChunks(ctx context.Context, obj *model.Content, items []*model.QueueItem, users map[string]model.Recipient, deadline time.Time) {
	for offset := 0; offset < len(items); offset += d.opts.ChunkSize {
		if d.now().After(deadline) {
			remaining := items[offset:]
			if err := d.queueRepo.MarkPending(ctx, itemIDs(remaining)); err != nil {
				d.logger.Error("未送信行のpending復帰に失敗しました",
					slog.String("error", err.Error()),
				)
			}
			d.logger.Warn("時間予算を超過したため残りのチャンクを次回実行に持ち越します",
				slog.Int("remaining_items", len(remaining)),
			)
			return
		}

		if d.limiter != nil && offset > 0 {
			if err := d.limiter.Wait(ctx); err != nil {
				d.releaseItems(ctx, items[offset:])
				return
			}
		}

		end := offset + d.opts.ChunkSize
		if end > len(items) {
			end = len(items)
		}
		d.sendChunk(ctx, obj, items[offset:end], users)
	}
}

// sendChunk は1チャンク分の送信を行い、結果に応じて行の状態を確定する。
// 拡張ポイントが送信を引き受けた場合は既定の送信を行わない。
func (d *Dispatcher) sendChunk(ctx context.Context, obj *model.Content, chunk []*model.QueueItem, users map[string]model.Recipient) {
	start := d.now()

	recipients := make([]model.Recipient, 0, len(chunk))
	addresses := make([]string, 0, len(chunk))
	for _, item := range chunk {
		rec := users[item.RecipientID]
		recipients = append(recipients, rec)
		addresses = append(addresses, rec.Address)
	}

	var err error
	handled := false
	if d.chunkHook != nil {
		handled, err = d.chunkHook.SendChunk(ctx, recipients, obj, chunk[0])
	}
	if !handled && err == nil {
		subject, body, headers := d.builder.Build(obj)
		err = d.transport.SendBlind(ctx, addresses, subject, body, headers)
	}

	d.collector.RecordChunkLatency(time.Since(start))

	if err != nil {
		// チャンク単位で失敗を確定する。バッチ全体は継続する。
		d.logger.Error("チャンクの送信に失敗しました",
			slog.String("content_id", obj.ID),
			slog.Int("recipient_count", len(chunk)),
			slog.String("error", err.Error()),
		)
		d.markFailed(ctx, itemIDs(chunk))
		return
	}

	d.markSent(ctx, itemIDs(chunk))
}

// sendCustomChannel はカスタムチャネルの拡張ポイントに送信を委譲する。
// 拡張ポイントは受信者を成功・失敗・未処理の互いに素な3集合に分類して返す。
// 失敗と未処理はいずれもfailedとして記録される。
func (d *Dispatcher) sendCustomChannel(ctx context.Context, channel model.Channel, obj *model.Content, items []*model.QueueItem, users map[string]model.Recipient) {
	if d.channelSender == nil {
		d.logger.Error("カスタムチャネルの送信拡張が設定されていません",
			slog.String("channel", string(channel)),
		)
		d.markFailed(ctx, itemIDs(items))
		return
	}

	recipients := make([]model.Recipient, 0, len(items))
	for _, item := range items {
		recipients = append(recipients, users[item.RecipientID])
	}

	result, err := d.channelSender.Send(ctx, channel, recipients, obj, items)
	if err != nil {
		d.logger.Error("カスタムチャネルの送信に失敗しました",
			slog.String("channel", string(channel)),
			slog.String("error", err.Error()),
		)
		d.markFailed(ctx, itemIDs(items))
		return
	}

	byRecipient := make(map[string]string, len(items))
	for _, item := range items {
		byRecipient[item.RecipientID] = item.ID
	}

	var sentIDs, failedIDs []string
	for _, id := range result.Succeeded {
		if itemID, ok := byRecipient[id]; ok {
			sentIDs = append(sentIDs, itemID)
		}
	}
	for _, id := range append(result.Failed, result.NotProcessed...) {
		if itemID, ok := byRecipient[id]; ok {
			failedIDs = append(failedIDs, itemID)
		}
	}

	d.markSent(ctx, sentIDs)
	d.markFailed(ctx, failedIDs)
}

// releaseItems は処理を断念した取得済み行をpendingに戻す。
// 復帰に失敗してもスタック復旧処理が最終的に回収する。
func (d *Dispatcher) releaseItems(ctx context.Context, items []*model.QueueItem) {
	if err := d.queueRepo.MarkPending(ctx, itemIDs(items)); err != nil {
		d.logger.Error("取得済み行のpending復帰に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) markSent(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := d.queueRepo.MarkSent(ctx, ids, d.now().UTC()); err != nil {
		d.logger.Error("sent状態への更新に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	d.collector.RecordSent(len(ids))
}

func (d *Dispatcher) markFailed(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := d.queueRepo.MarkFailed(ctx, ids); err != nil {
		d.logger.Error("failed状態への更新に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	d.collector.RecordFailed(len(ids))
}

func (d *Dispatcher) markOrphaned(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := d.queueRepo.MarkOrphaned(ctx, ids); err != nil {
		d.logger.Error("orphaned状態への更新に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	d.collector.RecordOrphaned(len(ids))
}

func itemIDs(items []*model.QueueItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
