// Package cleanup は配信済み・失敗済み通知の保持期間超過分を削除するジョブを提供する。
// 日次バッチとして設計されており、冪等な削除処理を保証する。
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/notifyd/internal/repository"
)

// CleanupJob は保持期間を超過したキュー行の自動削除ジョブ。
// sent行はsent_at、failed行はcreated_atを基準に削除する。
// failed行はオペレータが再投入する猶予を確保するため、sent行より長く保持する。
type CleanupJob struct {
	queueRepo repository.QueueRepository
	logger    *slog.Logger

	// SentRetention はsent行の保持期間（デフォルト: 14日）。
	SentRetention time.Duration
	// FailedRetention はfailed行の保持期間（デフォルト: 60日）。
	FailedRetention time.Duration

	now func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(queueRepo repository.QueueRepository, logger *slog.Logger, sentRetention, failedRetention time.Duration) *CleanupJob {
	if sentRetention <= 0 {
		sentRetention = 14 * 24 * time.Hour
	}
	if failedRetention <= 0 {
		failedRetention = 60 * 24 * time.Hour
	}
	return &CleanupJob{
		queueRepo:       queueRepo,
		logger:          logger,
		SentRetention:   sentRetention,
		FailedRetention: failedRetention,
		now:             time.Now,
	}
}

// Start は指定間隔のティッカーでクリーンアップを起動する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("sent_retention", j.SentRetention),
		slog.Duration("failed_retention", j.FailedRetention),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップジョブの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Run は保持期間を超過したsent行とfailed行を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	sentDeleted, err := j.queueRepo.DeleteSentBefore(ctx, start.Add(-j.SentRetention))
	if err != nil {
		return err
	}

	failedDeleted, err := j.queueRepo.DeleteFailedBefore(ctx, start.Add(-j.FailedRetention))
	if err != nil {
		return err
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("sent_deleted", sentDeleted),
		slog.Int64("failed_deleted", failedDeleted),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}
