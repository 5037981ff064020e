// Package handler はワーカーのHTTPエンドポイントを提供する。
// 監視用の運用面（/health, /metrics）とイベント受付（/events)のみを公開し、
// 設定管理のための管理APIは持たない。
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/notifyd/internal/metrics"
)

// HealthChecker はDB疎通確認のインターフェース。*sql.DBを受け付けることができる。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	// EventService はイベント受付の処理サービス。nilの場合/eventsは公開されない。
	EventService EventServiceInterface
}

// NewRouter はワーカーの全エンドポイントのルーティングを構成したchi.Routerを返す。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
		defer cancel()

		if err := deps.HealthChecker.PingContext(ctx); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	if deps.EventService != nil {
		h := NewEventHandler(deps.EventService)
		r.Post("/events", h.Create)
	}

	return r
}
