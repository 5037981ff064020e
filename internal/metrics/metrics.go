// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// キューサービスやワーカーから利用する。
type MetricsCollector interface {
	RecordEnqueued(count int)
	RecordSent(count int)
	RecordFailed(count int)
	RecordOrphaned(count int)
	RecordCycleDuration(duration time.Duration)
	RecordChunkLatency(duration time.Duration)
	RecordStuckReset(count int)
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	enqueued      prometheus.Counter
	sent          prometheus.Counter
	failed        prometheus.Counter
	orphaned      prometheus.Counter
	cycleDuration prometheus.Histogram
	chunkLatency  prometheus.Histogram
	stuckReset    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyd_enqueued_total",
			Help: "キューに投入された通知の合計数",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyd_sent_total",
			Help: "配信に成功した通知の合計数",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyd_failed_total",
			Help: "配信に失敗した通知の合計数",
		}),
		orphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyd_orphaned_total",
			Help: "対象消失によりorphanedになった通知の合計数",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "notifyd_dispatch_cycle_duration_seconds",
			Help:    "配信サイクル全体の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		chunkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "notifyd_chunk_send_latency_seconds",
			Help:    "チャンク送信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		stuckReset: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyd_stuck_reset_total",
			Help: "復旧処理でpendingに戻された通知の合計数",
		}),
	}

	reg.MustRegister(
		c.enqueued,
		c.sent,
		c.failed,
		c.orphaned,
		c.cycleDuration,
		c.chunkLatency,
		c.stuckReset,
	)

	return c
}

// RecordEnqueued はキューへの投入数を記録する。
func (c *Collector) RecordEnqueued(count int) {
	c.enqueued.Add(float64(count))
}

// RecordSent は配信成功数を記録する。
func (c *Collector) RecordSent(count int) {
	c.sent.Add(float64(count))
}

// RecordFailed は配信失敗数を記録する。
func (c *Collector) RecordFailed(count int) {
	c.failed.Add(float64(count))
}

// RecordOrphaned はorphaned化した通知数を記録する。
func (c *Collector) RecordOrphaned(count int) {
	c.orphaned.Add(float64(count))
}

// RecordCycleDuration は配信サイクルの所要時間を記録する。
func (c *Collector) RecordCycleDuration(duration time.Duration) {
	c.cycleDuration.Observe(duration.Seconds())
}

// RecordChunkLatency はチャンク送信のレイテンシを記録する。
func (c *Collector) RecordChunkLatency(duration time.Duration) {
	c.chunkLatency.Observe(duration.Seconds())
}

// RecordStuckReset は復旧処理で戻された通知数を記録する。
func (c *Collector) RecordStuckReset(count int) {
	c.stuckReset.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
