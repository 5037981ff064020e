package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/notifyd/internal/metrics"
	"github.com/hitoshi/notifyd/internal/repository"
)

// MaintenanceJob はキューのスタック復旧と再投入を行う。
// いずれの操作も冪等であり、繰り返し実行しても安全。
type MaintenanceJob struct {
	queueRepo repository.QueueRepository
	collector metrics.MetricsCollector
	logger    *slog.Logger

	// StuckThreshold はprocessingのまま放置された行を復旧対象と判定する閾値。
	StuckThreshold time.Duration
}

// NewMaintenanceJob はMaintenanceJobの新しいインスタンスを生成する。
func NewMaintenanceJob(queueRepo repository.QueueRepository, collector metrics.MetricsCollector, logger *slog.Logger, stuckThreshold time.Duration) *MaintenanceJob {
	if stuckThreshold <= 0 {
		stuckThreshold = time.Hour
	}
	return &MaintenanceJob{
		queueRepo:      queueRepo,
		collector:      collector,
		logger:         logger,
		StuckThreshold: stuckThreshold,
	}
}

// Start は指定間隔のティッカーでスタック復旧を起動する。
func (j *MaintenanceJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("メンテナンスジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("stuck_threshold", j.StuckThreshold),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("メンテナンスジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("スタック復旧の実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Run はスタックした行を1回分復旧する。
// 送信済みの証跡（sent_at）がある行はsentに確定し、それ以外はpendingに戻す。
// クラッシュが送信後・状態書き込み前に起きた行を二重送信せずに回収する。
func (j *MaintenanceJob) Run(ctx context.Context) error {
	reset, finalized, err := j.queueRepo.ResetStuck(ctx, j.StuckThreshold)
	if err != nil {
		return err
	}

	if reset > 0 || finalized > 0 {
		j.collector.RecordStuckReset(int(reset))
		j.logger.Info("スタック行を復旧しました",
			slog.Int64("reset_to_pending", reset),
			slog.Int64("finalized_to_sent", finalized),
		)
	}
	return nil
}

// RetryFailed は全failed行をpendingに戻す。オペレータ操作として実行される。
// 各行のfail_countがインクリメントされる（未設定の行は1で作成）。
// orphaned行は対象にならない。対象オブジェクトが消失しているため再試行しても無意味。
func (j *MaintenanceJob) RetryFailed(ctx context.Context) (int64, error) {
	moved, err := j.queueRepo.MoveFailedToPending(ctx)
	if err != nil {
		return 0, err
	}

	j.logger.Info("failed行をpendingに再投入しました",
		slog.Int64("moved", moved),
	)
	return moved, nil
}
