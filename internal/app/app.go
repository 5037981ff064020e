// Package app はアプリケーションの起動とワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/notifyd/internal/config"
	"github.com/hitoshi/notifyd/internal/content"
	"github.com/hitoshi/notifyd/internal/database"
	"github.com/hitoshi/notifyd/internal/handler"
	"github.com/hitoshi/notifyd/internal/logger"
	"github.com/hitoshi/notifyd/internal/mailer"
	"github.com/hitoshi/notifyd/internal/metrics"
	"github.com/hitoshi/notifyd/internal/model"
	"github.com/hitoshi/notifyd/internal/platform"
	"github.com/hitoshi/notifyd/internal/queue"
	"github.com/hitoshi/notifyd/internal/repository"
	"github.com/hitoshi/notifyd/internal/resolver"
	"github.com/hitoshi/notifyd/internal/scheduler"
	"github.com/hitoshi/notifyd/internal/worker/cleanup"
	"github.com/hitoshi/notifyd/internal/worker/dispatch"
)

// WorkerDeps はホストプラットフォーム側が提供する協調インターフェースの束。
// ワーカーの起動時に注入する。ChunkHookとChannelSenderはnilでもよい。
type WorkerDeps struct {
	Membership    platform.MembershipService
	ContentSvc    platform.ContentService
	Identity      platform.IdentityService
	Filter        platform.RecipientFilter
	ChunkHook     platform.ChunkOverride
	ChannelSender platform.ChannelSender
}

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。depsはworkerモードでのみ使用される。
func Run(w io.Writer, args []string, deps *WorkerDeps) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandRetryFailed:
		return runRetryFailed(cfg)
	default:
		return runWorker(cfg, deps)
	}
}

// runWorker は配信ワーカーモードで起動する。
// DB接続を開き、配信スケジューラ・メンテナンス・クリーンアップの各ジョブと
// 運用HTTPサーバーを起動する。SIGINTまたはSIGTERMでシャットダウンする。
func runWorker(cfg *config.Config, deps *WorkerDeps) error {
	// 依存が注入されていない場合はホストプラットフォームの内部APIクライアントを使う。
	if deps == nil {
		if cfg.PlatformBaseURL == "" {
			return fmt.Errorf("PLATFORM_BASE_URL is required when no platform dependencies are injected")
		}
		host := platform.NewHostClient(
			&http.Client{Timeout: 10 * time.Second},
			cfg.PlatformBaseURL,
			slog.Default(),
		)
		deps = &WorkerDeps{
			Membership: host,
			ContentSvc: host,
			Identity:   host,
		}
	}

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	triggerRepo := repository.NewPostgresTriggerRepo(db)
	queueRepo := repository.NewPostgresQueueRepo(db)
	settingRepo := repository.NewPostgresSettingRepo(db)
	scheduleRepo := repository.NewPostgresScheduleRepo(db)

	// 組み込みトリガーの登録。コンテンツ種別ごとに記事・コメントの2トリガーを冪等に登録する。
	if err := registerBuiltinTriggers(triggerRepo, cfg.ContentTypes); err != nil {
		return err
	}

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. 解決・キュー投入パイプラインの初期化
	extractor := content.NewTextExtractor()
	res := resolver.New(
		triggerRepo, settingRepo,
		deps.Membership, deps.ContentSvc, deps.Identity, deps.Filter,
		extractor, cfg.DefaultNotify, slog.Default(),
	)
	sched := scheduler.New(scheduler.Config{
		DailyHour:    cfg.DailySendHour,
		DailyMinute:  cfg.DailySendMinute,
		WeeklyDay:    cfg.WeeklySendDay,
		WeeklyHour:   cfg.WeeklySendHour,
		WeeklyMinute: cfg.WeeklySendMinute,
	}, slog.Default())
	queueService := queue.NewService(
		triggerRepo, queueRepo, scheduleRepo,
		res, sched, collector, slog.Default(),
	)

	// 5. 配信パイプラインの初期化
	builder := mailer.NewMessageBuilder(cfg.MailDomain, extractor)
	transport := mailer.NewSMTPTransport(cfg.SMTPAddr, cfg.MailFrom)

	dispatcher := dispatch.NewDispatcher(
		queueRepo, triggerRepo, deps.ContentSvc, deps.Identity,
		transport, builder, deps.ChunkHook, deps.ChannelSender,
		collector, slog.Default(),
		dispatch.Options{
			GroupLimit: cfg.DispatchGroupLimit,
			ChunkSize:  cfg.MailChunkSize,
			TimeBudget: cfg.DispatchTimeBudget,
			ChunkPause: cfg.ChunkPause,
		},
	)

	// 6. メンテナンス・クリーンアップジョブの初期化
	maintenanceJob := dispatch.NewMaintenanceJob(queueRepo, collector, slog.Default(), cfg.StuckThreshold)
	cleanupJob := cleanup.NewCleanupJob(queueRepo, slog.Default(), cfg.SentRetention, cfg.FailedRetention)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	// 7. HTTPサーバーの起動（監視エンドポイント + イベント受付）
	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(&handler.RouterDeps{
			HealthChecker: db,
			Gatherer:      registry,
			EventService:  queueService,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ops server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("dispatch_interval", cfg.DispatchInterval),
		slog.Int("group_limit", cfg.DispatchGroupLimit),
		slog.Int("chunk_size", cfg.MailChunkSize),
	)

	// メンテナンスとクリーンアップをバックグラウンドで起動
	go maintenanceJob.Start(ctx, cfg.MaintenanceInterval)
	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// 配信スケジューラをメインgoroutineで実行（ブロッキング）
	dispatcher.Start(ctx, cfg.DispatchInterval)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// registerBuiltinTriggers は設定されたコンテンツ種別ごとに
// 記事公開・コメント投稿の組み込みトリガーをメールチャネルで冪等に登録する。
func registerBuiltinTriggers(repo repository.TriggerRepository, contentTypes []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, ct := range contentTypes {
		for _, key := range []string{model.PostTriggerKey(ct), model.CommentTriggerKey(ct)} {
			trigger, err := repo.Ensure(ctx, key, model.ChannelMail)
			if err != nil {
				return fmt.Errorf("トリガーの登録に失敗しました: %w", err)
			}
			slog.Info("trigger registered",
				slog.String("key", trigger.Key),
				slog.Int64("trigger_id", trigger.ID),
			)
		}
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runRetryFailed は全failed行をpendingに再投入して終了する。
// オペレータが配信失敗の原因を解消した後に実行することを想定している。
func runRetryFailed(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	queueRepo := repository.NewPostgresQueueRepo(db)
	registry := prometheus.NewRegistry()
	job := dispatch.NewMaintenanceJob(queueRepo, metrics.NewCollector(registry), slog.Default(), cfg.StuckThreshold)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	moved, err := job.RetryFailed(ctx)
	if err != nil {
		return fmt.Errorf("retry failed: %w", err)
	}

	slog.Info("retry-failed completed", slog.Int64("moved", moved))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
