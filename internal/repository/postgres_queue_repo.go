package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/notifyd/internal/model"
)

// PostgresQueueRepo はPostgreSQLを使用した配信キューリポジトリ。
type PostgresQueueRepo struct {
	db Querier
}

// NewPostgresQueueRepo はPostgresQueueRepoを生成する。
func NewPostgresQueueRepo(db Querier) *PostgresQueueRepo {
	return &PostgresQueueRepo{db: db}
}

// Insert はキューアイテムをpending状態で挿入する。
func (r *PostgresQueueRepo) Insert(ctx context.Context, item *model.QueueItem) error {
	meta, err := json.Marshal(item.Meta)
	if err != nil {
		return fmt.Errorf("メタデータのシリアライズに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO queue_items
		     (id, recipient_id, tenant_id, content_id, content_type, trigger_id,
		      reason, cadence, scheduled_at, status, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		item.ID, item.RecipientID, item.TenantID, item.ContentID, item.ContentType,
		item.TriggerID, item.Reason, string(item.Cadence), item.ScheduledAt,
		string(model.StatusPending), meta, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("キューアイテムの挿入に失敗しました: %w", err)
	}
	return nil
}

// ListDueGroups は配信期限が到来したpending行のイベントグループを取得する。
// scheduled_atがNULL（即時）またはnow()以前の行が対象。最古のcreated_at昇順。
func (r *PostgresQueueRepo) ListDueGroups(ctx context.Context, limit int) ([]model.QueueGroup, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tenant_id, content_id, content_type, trigger_id, reason, cadence,
		        MIN(created_at) AS oldest_at
		 FROM queue_items
		 WHERE status = $1 AND (scheduled_at IS NULL OR scheduled_at <= now())
		 GROUP BY tenant_id, content_id, content_type, trigger_id, reason, cadence
		 ORDER BY oldest_at ASC
		 LIMIT $2`,
		string(model.StatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("配信対象グループの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var groups []model.QueueGroup
	for rows.Next() {
		var g model.QueueGroup
		var cadence string
		if err := rows.Scan(
			&g.TenantID, &g.ContentID, &g.ContentType, &g.TriggerID,
			&g.Reason, &cadence, &g.OldestAt,
		); err != nil {
			return nil, fmt.Errorf("配信対象グループの読み取りに失敗しました: %w", err)
		}
		g.Cadence = model.ParseCadence(cadence)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信対象グループの読み取りに失敗しました: %w", err)
	}

	return groups, nil
}

// ClaimGroup はグループのpending行をprocessingへ原子的に遷移させ、遷移した行を返す。
// status = 'pending' を前提条件とする条件付きUPDATEのため、
// 並行する別ランナーは同一グループに対して0行を取得する。
func (r *PostgresQueueRepo) ClaimGroup(ctx context.Context, g model.QueueGroup) ([]*model.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE queue_items
		 SET status = $1
		 WHERE tenant_id = $2 AND content_id = $3 AND content_type = $4
		   AND trigger_id = $5 AND reason = $6 AND cadence = $7
		   AND status = $8 AND (scheduled_at IS NULL OR scheduled_at <= now())
		 RETURNING id, recipient_id, tenant_id, content_id, content_type, trigger_id,
		           reason, cadence, scheduled_at, status, meta, created_at, sent_at`,
		string(model.StatusProcessing),
		g.TenantID, g.ContentID, g.ContentType, g.TriggerID, g.Reason, string(g.Cadence),
		string(model.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("グループのprocessing遷移に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キューアイテムの読み取りに失敗しました: %w", err)
	}

	return items, nil
}

// MarkSent は指定行をsentにし、sent_atを記録する。
func (r *PostgresQueueRepo) MarkSent(ctx context.Context, ids []string, sentAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE queue_items SET status = $1, sent_at = $2 WHERE id = ANY($3)`,
		string(model.StatusSent), sentAt, pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("sent状態への更新に失敗しました: %w", err)
	}
	return nil
}

// MarkPending はprocessing中の指定行をpendingに戻す。
// 時間予算の超過で処理を打ち切る際、未送信の取得済み行を次回実行に返す。
func (r *PostgresQueueRepo) MarkPending(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE queue_items SET status = $1 WHERE id = ANY($2) AND status = $3`,
		string(model.StatusPending), pq.Array(ids), string(model.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("pending状態への復帰に失敗しました: %w", err)
	}
	return nil
}

// MarkFailed は指定行をfailedにする。sent_atは記録しない。
func (r *PostgresQueueRepo) MarkFailed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE queue_items SET status = $1 WHERE id = ANY($2)`,
		string(model.StatusFailed), pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed状態への更新に失敗しました: %w", err)
	}
	return nil
}

// MarkOrphaned は指定行をorphanedにする。
// failedとは区別され、MoveFailedToPendingの再投入対象にならない。
func (r *PostgresQueueRepo) MarkOrphaned(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE queue_items SET status = $1 WHERE id = ANY($2)`,
		string(model.StatusOrphaned), pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("orphaned状態への更新に失敗しました: %w", err)
	}
	return nil
}

// ResetStuck は閾値を超えてprocessingのまま残った行を復旧する。
// 基準時刻はGREATEST(scheduled_at, created_at)。
// sent_atが記録済みの行は送信自体は完了しているため、pendingに戻さずsentに確定する
// （復旧時の二重送信を防ぐ）。冪等であり繰り返し実行しても安全。
func (r *PostgresQueueRepo) ResetStuck(ctx context.Context, threshold time.Duration) (reset int64, finalized int64, err error) {
	interval := fmt.Sprintf("%d seconds", int64(threshold.Seconds()))

	finalizedResult, err := r.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = $1
		 WHERE status = $2 AND sent_at IS NOT NULL
		   AND now() - GREATEST(COALESCE(scheduled_at, created_at), created_at) > $3::interval`,
		string(model.StatusSent), string(model.StatusProcessing), interval,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("スタック行のsent確定に失敗しました: %w", err)
	}
	finalized, err = finalizedResult.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}

	resetResult, err := r.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = $1
		 WHERE status = $2 AND sent_at IS NULL
		   AND now() - GREATEST(COALESCE(scheduled_at, created_at), created_at) > $3::interval`,
		string(model.StatusPending), string(model.StatusProcessing), interval,
	)
	if err != nil {
		return 0, finalized, fmt.Errorf("スタック行のpending復帰に失敗しました: %w", err)
	}
	reset, err = resetResult.RowsAffected()
	if err != nil {
		return 0, finalized, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}

	return reset, finalized, nil
}

// MoveFailedToPending は全failed行をpendingに戻し、各行のfail_countをインクリメントする。
// fail_countが未設定の行は1で作成する。
func (r *PostgresQueueRepo) MoveFailedToPending(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = $1,
		     meta = jsonb_set(meta, '{fail_count}',
		                      to_jsonb(COALESCE((meta->>'fail_count')::int, 0) + 1))
		 WHERE status = $2`,
		string(model.StatusPending), string(model.StatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("failed行のpending復帰に失敗しました: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// DeleteSentBefore はsent_atがcutoffより古いsent行を削除する。
func (r *PostgresQueueRepo) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE status = $1 AND sent_at < $2`,
		string(model.StatusSent), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("sent行の削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// DeleteFailedBefore はcreated_atがcutoffより古いfailed行を削除する。
// オペレータによる再投入の猶予を与えるため、sent行より長い保持期間で呼び出される。
func (r *PostgresQueueRepo) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE status = $1 AND created_at < $2`,
		string(model.StatusFailed), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed行の削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// scanQueueItem は1行分のキューアイテムを読み取る。
func scanQueueItem(rows *sql.Rows) (*model.QueueItem, error) {
	item := &model.QueueItem{}
	var cadence, status string
	var scheduledAt, sentAt sql.NullTime
	var meta []byte

	if err := rows.Scan(
		&item.ID, &item.RecipientID, &item.TenantID, &item.ContentID, &item.ContentType,
		&item.TriggerID, &item.Reason, &cadence, &scheduledAt, &status,
		&meta, &item.CreatedAt, &sentAt,
	); err != nil {
		return nil, fmt.Errorf("キューアイテムの読み取りに失敗しました: %w", err)
	}

	item.Cadence = model.ParseCadence(cadence)
	item.Status = model.QueueStatus(status)
	if scheduledAt.Valid {
		item.ScheduledAt = &scheduledAt.Time
	}
	if sentAt.Valid {
		item.SentAt = &sentAt.Time
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &item.Meta); err != nil {
			return nil, fmt.Errorf("メタデータのデシリアライズに失敗しました: %w", err)
		}
	}

	return item, nil
}

// compile-time interface check
var _ QueueRepository = (*PostgresQueueRepo)(nil)
