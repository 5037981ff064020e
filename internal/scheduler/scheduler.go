// Package scheduler は配信頻度設定からUTCの配信時刻を計算する。
//
// 計算は純粋でブロッキングI/Oを行わない。タイムゾーンの解決に失敗した場合は
// 通知を落とさないよう即時配信側に倒し、ログに記録する。
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/notifyd/internal/model"
)

// Config は日次・週次配信の送信時刻を保持する。
type Config struct {
	DailyHour    int
	DailyMinute  int
	WeeklyDay    time.Weekday
	WeeklyHour   int
	WeeklyMinute int
}

// DefaultConfig はデフォルトの送信時刻設定を返す（日次08:00、週次は月曜09:00）。
func DefaultConfig() Config {
	return Config{
		DailyHour:    8,
		DailyMinute:  0,
		WeeklyDay:    time.Monday,
		WeeklyHour:   9,
		WeeklyMinute: 0,
	}
}

// Scheduler は配信頻度設定をUTCの配信時刻に変換する。
type Scheduler struct {
	config Config
	logger *slog.Logger
}

// New はSchedulerの新しいインスタンスを生成する。
func New(config Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		config: config,
		logger: logger,
	}
}

// DispatchAt は配信頻度と現在時刻からUTCの配信時刻を計算する。
// nilは即時配信（処理された時点で送信可能）を意味する。
//   - immediate → nil
//   - daily     → 現在のローカル時刻より厳密に後の、次の送信時刻。当日分が過ぎていれば翌日。
//   - weekly    → 次の送信曜日・時刻。当日だが時刻が過ぎていれば翌週。
func (s *Scheduler) DispatchAt(cadence model.Cadence, now time.Time, tz model.Timezone) *time.Time {
	if cadence == model.CadenceImmediate {
		return nil
	}

	loc := s.resolveLocation(tz)
	nowLocal := now.In(loc)

	var next time.Time
	switch cadence {
	case model.CadenceDaily:
		next = time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(),
			s.config.DailyHour, s.config.DailyMinute, 0, 0, loc)
		if !next.After(nowLocal) {
			next = next.AddDate(0, 0, 1)
		}
	case model.CadenceWeekly:
		daysAhead := (int(s.config.WeeklyDay) - int(nowLocal.Weekday()) + 7) % 7
		next = time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(),
			s.config.WeeklyHour, s.config.WeeklyMinute, 0, 0, loc)
		next = next.AddDate(0, 0, daysAhead)
		if !next.After(nowLocal) {
			next = next.AddDate(0, 0, 7)
		}
	default:
		// 未知の配信頻度は即時配信に倒す（通知を落とさない）。
		s.logger.Warn("未知の配信頻度のため即時配信にフォールバックします",
			slog.String("cadence", string(cadence)),
		)
		return nil
	}

	// 下流はローカル時刻で推論しないため、UTCに変換して返す。
	utc := next.UTC()
	return &utc
}

// resolveLocation はタイムゾーン指定をtime.Locationに解決する。
// 名前付きゾーンを優先し、ロードできない場合は数値オフセットから
// 符号付きの固定オフセットゾーンを構成する。
func (s *Scheduler) resolveLocation(tz model.Timezone) *time.Location {
	if tz.Name != "" {
		loc, err := time.LoadLocation(tz.Name)
		if err == nil {
			return loc
		}
		s.logger.Warn("タイムゾーンのロードに失敗したため固定オフセットにフォールバックします",
			slog.String("tz_name", tz.Name),
			slog.Int("offset_minutes", tz.OffsetMinutes),
			slog.String("error", err.Error()),
		)
	}

	return fixedZone(tz.OffsetMinutes)
}

// fixedZone は分単位のオフセットから固定オフセットゾーンを構成する。
func fixedZone(offsetMinutes int) *time.Location {
	if offsetMinutes == 0 {
		return time.UTC
	}

	hours := offsetMinutes / 60
	minutes := offsetMinutes % 60
	if minutes < 0 {
		minutes = -minutes
	}

	name := fmt.Sprintf("UTC%+03d:%02d", hours, minutes)
	return time.FixedZone(name, offsetMinutes*60)
}
