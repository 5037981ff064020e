// Package config は環境変数ベースのアプリケーション設定を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Dispatch
	DispatchInterval   time.Duration // 配信サイクルの実行間隔
	DispatchGroupLimit int           // 1サイクルで処理するイベントグループの上限
	DispatchTimeBudget time.Duration // 1サイクルの壁時計時間バジェット
	MailChunkSize      int           // メールチャネルの1チャンクあたり宛先数
	ChunkPause         time.Duration // チャンク間の挿入ポーズ（0で無効）

	// Maintenance
	MaintenanceInterval time.Duration // スタック復旧ジョブの実行間隔
	StuckThreshold      time.Duration // processingのまま放置と判定する閾値
	CleanupInterval     time.Duration // 保持期間クリーンアップの実行間隔
	SentRetention       time.Duration // sent行の保持期間
	FailedRetention     time.Duration // failed行の保持期間（sentより長く保持する）

	// Schedule
	DailySendHour    int          // 日次配信のローカル時刻（時）
	DailySendMinute  int          // 日次配信のローカル時刻（分）
	WeeklySendDay    time.Weekday // 週次配信の曜日
	WeeklySendHour   int
	WeeklySendMinute int

	// Resolution
	DefaultNotify bool     // どのスコープにも設定がない場合のグローバルデフォルト
	ContentTypes  []string // 起動時にトリガーを登録するコンテンツ種別

	// Mail
	SMTPAddr   string // SMTPサーバーのアドレス（host:port）
	MailFrom   string
	MailDomain string // Message-IDのドメイン部

	// Platform
	PlatformBaseURL string // ホストプラットフォーム内部APIのベースURL

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DispatchInterval = getEnvDuration("DISPATCH_INTERVAL", 5*time.Minute)
	cfg.DispatchGroupLimit = getEnvInt("DISPATCH_GROUP_LIMIT", 20)
	cfg.DispatchTimeBudget = getEnvDuration("DISPATCH_TIME_BUDGET", 48*time.Second)
	cfg.MailChunkSize = getEnvInt("MAIL_CHUNK_SIZE", 300)
	cfg.ChunkPause = getEnvDuration("CHUNK_PAUSE", 0)
	cfg.MaintenanceInterval = getEnvDuration("MAINTENANCE_INTERVAL", 30*time.Minute)
	cfg.StuckThreshold = getEnvDuration("STUCK_THRESHOLD", time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.SentRetention = getEnvDuration("SENT_RETENTION", 14*24*time.Hour)
	cfg.FailedRetention = getEnvDuration("FAILED_RETENTION", 60*24*time.Hour)
	cfg.DailySendHour, cfg.DailySendMinute = getEnvClock("DAILY_SEND_TIME", 8, 0)
	cfg.WeeklySendDay = getEnvWeekday("WEEKLY_SEND_DAY", time.Monday)
	cfg.WeeklySendHour, cfg.WeeklySendMinute = getEnvClock("WEEKLY_SEND_TIME", 9, 0)
	cfg.DefaultNotify = getEnvBool("DEFAULT_NOTIFY", true)
	cfg.ContentTypes = getEnvList("CONTENT_TYPES", []string{"post"})
	cfg.SMTPAddr = getEnvString("SMTP_ADDR", "localhost:25")
	cfg.MailFrom = getEnvString("MAIL_FROM", "noreply@localhost")
	cfg.MailDomain = getEnvString("MAIL_DOMAIN", "localhost")
	cfg.PlatformBaseURL = getEnvString("PLATFORM_BASE_URL", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvList はカンマ区切りの環境変数をスライスとして読み込む。
// 空要素と前後の空白は取り除く。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var result []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return defaultVal
	}
	return result
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvClock は"HH:MM"形式の環境変数を時と分に分解する。
// パースできない場合はデフォルト値を返す。
func getEnvClock(key string, defaultHour, defaultMinute int) (int, int) {
	v := os.Getenv(key)
	if v == "" {
		return defaultHour, defaultMinute
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return defaultHour, defaultMinute
	}
	return t.Hour(), t.Minute()
}

// getEnvWeekday は曜日名の環境変数をtime.Weekdayに変換する。
func getEnvWeekday(key string, defaultVal time.Weekday) time.Weekday {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if v == d.String() {
			return d
		}
	}
	return defaultVal
}
