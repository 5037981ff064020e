package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/notifyd/internal/model"
)

// PostgresSettingRepo はPostgreSQLを使用したスコープ設定リポジトリ。
// ネットワーク・テナント・ターム・コンテンツアイテムの4テーブルを扱う。
type PostgresSettingRepo struct {
	db *sql.DB
}

// NewPostgresSettingRepo はPostgresSettingRepoを生成する。
func NewPostgresSettingRepo(db *sql.DB) *PostgresSettingRepo {
	return &PostgresSettingRepo{db: db}
}

// NetworkSettings はネットワークスコープの設定を一括取得する。
func (r *PostgresSettingRepo) NetworkSettings(ctx context.Context, triggerID int64, recipientIDs []string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT recipient_id, muted FROM network_settings
		 WHERE trigger_id = $1 AND recipient_id = ANY($2)`,
		triggerID, pq.Array(recipientIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("ネットワーク設定の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanMutedMap(rows)
}

// TenantSettings はテナントスコープの設定を一括取得する。
func (r *PostgresSettingRepo) TenantSettings(ctx context.Context, tenantID string, triggerID int64, recipientIDs []string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT recipient_id, muted FROM tenant_settings
		 WHERE tenant_id = $1 AND trigger_id = $2 AND recipient_id = ANY($3)`,
		tenantID, triggerID, pq.Array(recipientIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("テナント設定の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanMutedMap(rows)
}

// TermSettings は指定ターム群に対するタームスコープ設定の生の行を返す。
// any-unmute-winsの集約はリゾルバの純粋関数側で行う。
func (r *PostgresSettingRepo) TermSettings(ctx context.Context, termIDs []string, triggerID int64, recipientIDs []string) ([]TermSettingRow, error) {
	if len(termIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT recipient_id, term_id, muted FROM term_settings
		 WHERE term_id = ANY($1) AND trigger_id = $2 AND recipient_id = ANY($3)`,
		pq.Array(termIDs), triggerID, pq.Array(recipientIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("ターム設定の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var settings []TermSettingRow
	for rows.Next() {
		var row TermSettingRow
		if err := rows.Scan(&row.RecipientID, &row.TermID, &row.Muted); err != nil {
			return nil, fmt.Errorf("ターム設定の読み取りに失敗しました: %w", err)
		}
		settings = append(settings, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ターム設定の読み取りに失敗しました: %w", err)
	}

	return settings, nil
}

// ContentItemSettings はコンテンツアイテムスコープの設定を一括取得する。
func (r *PostgresSettingRepo) ContentItemSettings(ctx context.Context, contentID string, triggerID int64, recipientIDs []string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT recipient_id, muted FROM content_item_settings
		 WHERE content_id = $1 AND trigger_id = $2 AND recipient_id = ANY($3)`,
		contentID, triggerID, pq.Array(recipientIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("コンテンツアイテム設定の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanMutedMap(rows)
}

// NetworkPair は粗い3状態設定を構成する2トリガー分のネットワーク設定を取得する。
func (r *PostgresSettingRepo) NetworkPair(ctx context.Context, recipientID string, postTriggerID, commentTriggerID int64) (postMuted, commentMuted *bool, err error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT trigger_id, muted FROM network_settings
		 WHERE recipient_id = $1 AND trigger_id = ANY($2)`,
		recipientID, pq.Array([]int64{postTriggerID, commentTriggerID}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("ネットワーク設定の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var triggerID int64
		var muted bool
		if err := rows.Scan(&triggerID, &muted); err != nil {
			return nil, nil, fmt.Errorf("ネットワーク設定の読み取りに失敗しました: %w", err)
		}
		m := muted
		switch triggerID {
		case postTriggerID:
			postMuted = &m
		case commentTriggerID:
			commentMuted = &m
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("ネットワーク設定の読み取りに失敗しました: %w", err)
	}

	return postMuted, commentMuted, nil
}

// UpsertNetworkPair は2トリガー分のネットワーク設定を単一トランザクションで書き込む。
// どちらか一方だけが書かれた状態は観測されない。
func (r *PostgresSettingRepo) UpsertNetworkPair(ctx context.Context, recipientID string, postTriggerID, commentTriggerID int64, postMuted, commentMuted bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	const query = `INSERT INTO network_settings (recipient_id, trigger_id, muted)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (recipient_id, trigger_id) DO UPDATE SET
		     muted = EXCLUDED.muted,
		     updated_at = now()`

	if _, err := tx.ExecContext(ctx, query, recipientID, postTriggerID, postMuted); err != nil {
		return fmt.Errorf("ネットワーク設定の書き込みに失敗しました: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, recipientID, commentTriggerID, commentMuted); err != nil {
		return fmt.Errorf("ネットワーク設定の書き込みに失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ネットワーク設定のコミットに失敗しました: %w", err)
	}
	return nil
}

// DeleteNetworkPair は2トリガー分のネットワーク設定を単一トランザクションで削除する。
func (r *PostgresSettingRepo) DeleteNetworkPair(ctx context.Context, recipientID string, postTriggerID, commentTriggerID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM network_settings
		 WHERE recipient_id = $1 AND trigger_id = ANY($2)`,
		recipientID, pq.Array([]int64{postTriggerID, commentTriggerID}),
	)
	if err != nil {
		return fmt.Errorf("ネットワーク設定の削除に失敗しました: %w", err)
	}
	return nil
}

// Upsert は指定スコープの設定行を冪等に書き込む。
func (r *PostgresSettingRepo) Upsert(ctx context.Context, scope model.Scope, recipientID, scopeKey string, triggerID int64, muted bool) error {
	table, keyColumn, err := scopeTable(scope)
	if err != nil {
		return err
	}

	if scope == model.ScopeNetwork {
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO network_settings (recipient_id, trigger_id, muted)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (recipient_id, trigger_id) DO UPDATE SET
			     muted = EXCLUDED.muted,
			     updated_at = now()`,
			recipientID, triggerID, muted,
		)
	} else {
		query := fmt.Sprintf(
			`INSERT INTO %s (recipient_id, %s, trigger_id, muted)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (recipient_id, %s, trigger_id) DO UPDATE SET
			     muted = EXCLUDED.muted,
			     updated_at = now()`,
			table, keyColumn, keyColumn,
		)
		_, err = r.db.ExecContext(ctx, query, recipientID, scopeKey, triggerID, muted)
	}
	if err != nil {
		return fmt.Errorf("スコープ設定の書き込みに失敗しました: %w", err)
	}
	return nil
}

// Delete は指定スコープの設定行を削除し、継承に戻す。行がなくてもエラーにならない。
func (r *PostgresSettingRepo) Delete(ctx context.Context, scope model.Scope, recipientID, scopeKey string, triggerID int64) error {
	table, keyColumn, err := scopeTable(scope)
	if err != nil {
		return err
	}

	if scope == model.ScopeNetwork {
		_, err = r.db.ExecContext(ctx,
			`DELETE FROM network_settings WHERE recipient_id = $1 AND trigger_id = $2`,
			recipientID, triggerID,
		)
	} else {
		query := fmt.Sprintf(
			`DELETE FROM %s WHERE recipient_id = $1 AND %s = $2 AND trigger_id = $3`,
			table, keyColumn,
		)
		_, err = r.db.ExecContext(ctx, query, recipientID, scopeKey, triggerID)
	}
	if err != nil {
		return fmt.Errorf("スコープ設定の削除に失敗しました: %w", err)
	}
	return nil
}

// scopeTable はスコープに対応するテーブル名とスコープキー列名を返す。
func scopeTable(scope model.Scope) (table, keyColumn string, err error) {
	switch scope {
	case model.ScopeNetwork:
		return "network_settings", "", nil
	case model.ScopeTenant:
		return "tenant_settings", "tenant_id", nil
	case model.ScopeTerm:
		return "term_settings", "term_id", nil
	case model.ScopeContentItem:
		return "content_item_settings", "content_id", nil
	default:
		return "", "", fmt.Errorf("未知のスコープです: %s", scope)
	}
}

// scanMutedMap は(recipient_id, muted)の結果セットをマップに変換する。
func scanMutedMap(rows *sql.Rows) (map[string]bool, error) {
	settings := make(map[string]bool)
	for rows.Next() {
		var recipientID string
		var muted bool
		if err := rows.Scan(&recipientID, &muted); err != nil {
			return nil, fmt.Errorf("スコープ設定の読み取りに失敗しました: %w", err)
		}
		settings[recipientID] = muted
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("スコープ設定の読み取りに失敗しました: %w", err)
	}
	return settings, nil
}

// compile-time interface check
var _ SettingRepository = (*PostgresSettingRepo)(nil)
