package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/notifyd/internal/model"
)

// PostgresScheduleRepo はPostgreSQLを使用した配信頻度設定リポジトリ。
type PostgresScheduleRepo struct {
	db *sql.DB
}

// NewPostgresScheduleRepo はPostgresScheduleRepoを生成する。
func NewPostgresScheduleRepo(db *sql.DB) *PostgresScheduleRepo {
	return &PostgresScheduleRepo{db: db}
}

// Find は(受信者, テナント, チャネル)の配信頻度設定を取得する。見つからない場合はnilを返す。
func (r *PostgresScheduleRepo) Find(ctx context.Context, recipientID, tenantID string, channel model.Channel) (*model.SchedulePreference, error) {
	pref := &model.SchedulePreference{}
	var cadence string

	err := r.db.QueryRowContext(ctx,
		`SELECT recipient_id, tenant_id, channel, cadence, tz_name, tz_offset_minutes
		 FROM schedule_preferences
		 WHERE recipient_id = $1 AND tenant_id = $2 AND channel = $3`,
		recipientID, tenantID, string(channel),
	).Scan(
		&pref.RecipientID, &pref.TenantID, &pref.Channel,
		&cadence, &pref.Timezone.Name, &pref.Timezone.OffsetMinutes,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("配信頻度設定の取得に失敗しました: %w", err)
	}

	pref.Cadence = model.ParseCadence(cadence)
	return pref, nil
}

// FindForRecipients は複数受信者の配信頻度設定を一括取得する。
// マップに存在しない受信者はデフォルト（immediate）を意味する。
func (r *PostgresScheduleRepo) FindForRecipients(ctx context.Context, tenantID string, channel model.Channel, recipientIDs []string) (map[string]model.SchedulePreference, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT recipient_id, tenant_id, channel, cadence, tz_name, tz_offset_minutes
		 FROM schedule_preferences
		 WHERE tenant_id = $1 AND channel = $2 AND recipient_id = ANY($3)`,
		tenantID, string(channel), pq.Array(recipientIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("配信頻度設定の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	prefs := make(map[string]model.SchedulePreference)
	for rows.Next() {
		var pref model.SchedulePreference
		var cadence string
		if err := rows.Scan(
			&pref.RecipientID, &pref.TenantID, &pref.Channel,
			&cadence, &pref.Timezone.Name, &pref.Timezone.OffsetMinutes,
		); err != nil {
			return nil, fmt.Errorf("配信頻度設定の読み取りに失敗しました: %w", err)
		}
		pref.Cadence = model.ParseCadence(cadence)
		prefs[pref.RecipientID] = pref
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信頻度設定の読み取りに失敗しました: %w", err)
	}

	return prefs, nil
}

// Upsert は配信頻度設定を冪等に書き込む。
func (r *PostgresScheduleRepo) Upsert(ctx context.Context, pref *model.SchedulePreference) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO schedule_preferences (recipient_id, tenant_id, channel, cadence, tz_name, tz_offset_minutes)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (recipient_id, tenant_id, channel) DO UPDATE SET
		     cadence = EXCLUDED.cadence,
		     tz_name = EXCLUDED.tz_name,
		     tz_offset_minutes = EXCLUDED.tz_offset_minutes,
		     updated_at = now()`,
		pref.RecipientID, pref.TenantID, string(pref.Channel),
		string(pref.Cadence), pref.Timezone.Name, pref.Timezone.OffsetMinutes,
	)
	if err != nil {
		return fmt.Errorf("配信頻度設定の書き込みに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ScheduleRepository = (*PostgresScheduleRepo)(nil)
