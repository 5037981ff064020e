package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/notifyd/internal/model"
)

// PostgresTriggerRepo はPostgreSQLを使用したトリガーリポジトリ。
type PostgresTriggerRepo struct {
	db *sql.DB
}

// NewPostgresTriggerRepo はPostgresTriggerRepoを生成する。
func NewPostgresTriggerRepo(db *sql.DB) *PostgresTriggerRepo {
	return &PostgresTriggerRepo{db: db}
}

// FindByKeyAndChannel はキーとチャネルでトリガーを検索する。見つからない場合はnilを返す。
func (r *PostgresTriggerRepo) FindByKeyAndChannel(ctx context.Context, key string, channel model.Channel) (*model.Trigger, error) {
	trigger := &model.Trigger{}

	err := r.db.QueryRowContext(ctx,
		`SELECT id, key, channel FROM triggers WHERE key = $1 AND channel = $2`,
		key, string(channel),
	).Scan(&trigger.ID, &trigger.Key, &trigger.Channel)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("トリガーの取得に失敗しました: %w", err)
	}

	return trigger, nil
}

// FindByID は指定IDのトリガーを取得する。見つからない場合はnilを返す。
func (r *PostgresTriggerRepo) FindByID(ctx context.Context, id int64) (*model.Trigger, error) {
	trigger := &model.Trigger{}

	err := r.db.QueryRowContext(ctx,
		`SELECT id, key, channel FROM triggers WHERE id = $1`,
		id,
	).Scan(&trigger.ID, &trigger.Key, &trigger.Channel)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("トリガーの取得に失敗しました: %w", err)
	}

	return trigger, nil
}

// Ensure はトリガーを冪等に登録してIDを返す。既存の場合は既存行を返す。
// UNIQUE(key, channel)制約を利用したINSERT ON CONFLICTで実装する。
func (r *PostgresTriggerRepo) Ensure(ctx context.Context, key string, channel model.Channel) (*model.Trigger, error) {
	trigger := &model.Trigger{}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO triggers (key, channel)
		 VALUES ($1, $2)
		 ON CONFLICT (key, channel) DO UPDATE SET key = EXCLUDED.key
		 RETURNING id, key, channel`,
		key, string(channel),
	).Scan(&trigger.ID, &trigger.Key, &trigger.Channel)

	if err != nil {
		return nil, fmt.Errorf("トリガーの登録に失敗しました: %w", err)
	}

	return trigger, nil
}

// compile-time interface check
var _ TriggerRepository = (*PostgresTriggerRepo)(nil)
