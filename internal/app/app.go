package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/stravasync/internal/activity"
	"github.com/hitoshi/stravasync/internal/auth"
	"github.com/hitoshi/stravasync/internal/config"
	"github.com/hitoshi/stravasync/internal/database"
	"github.com/hitoshi/stravasync/internal/handler"
	"github.com/hitoshi/stravasync/internal/logger"
	"github.com/hitoshi/stravasync/internal/metrics"
	"github.com/hitoshi/stravasync/internal/middleware"
	"github.com/hitoshi/stravasync/internal/repository"
	"github.com/hitoshi/stravasync/internal/strava"
	"github.com/hitoshi/stravasync/internal/stream"
	"github.com/hitoshi/stravasync/internal/subject"
	"github.com/hitoshi/stravasync/internal/webhook"
	"github.com/hitoshi/stravasync/internal/worker/backfill"
	"github.com/hitoshi/stravasync/internal/worker/cleanup"
	"github.com/hitoshi/stravasync/internal/worker/syncer"
)

// cleanupInterval はクリーンアップジョブの実行間隔。
const cleanupInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

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
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// services はserveとworkerで共有するドメインサービス群。
type services struct {
	subjectRepo  *repository.PostgresSubjectRepo
	activityRepo *repository.PostgresActivityRepo
	oauth        *strava.OAuthClient
	subjects     *subject.Service
	activities   *activity.Service
	streams      *stream.Retriever
	webhooks     *webhook.Reconciler
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// buildServices はStravaクライアントからWebhook処理までを組み立てる。
func buildServices(cfg *config.Config, db *sql.DB, log *slog.Logger, mc metrics.MetricsCollector) (*services, error) {
	subjectRepo := repository.NewPostgresSubjectRepo(db)
	activityRepo := repository.NewPostgresActivityRepo(db)
	eventRepo := repository.NewPostgresWebhookEventRepo(db)

	stravaCfg := strava.DefaultConfig()
	stravaCfg.Timeout = cfg.UpstreamTimeout
	stravaCfg.MaxAttempts = cfg.UpstreamMaxAttempts
	stravaCfg.RatePer15Min = cfg.UpstreamRatePer15Min
	client := strava.NewClient(&http.Client{}, stravaCfg, log, mc)
	oauth := client.OAuth(strava.OAuthConfig{
		ClientID:     cfg.StravaClientID,
		ClientSecret: cfg.StravaClientSecret,
	})

	store, err := stream.NewFileStore(cfg.StreamDataDir)
	if err != nil {
		return nil, err
	}
	streams := stream.NewRetriever(client, store, activityRepo, log, mc)

	tokens := subject.NewTokenManager(oauth, subjectRepo, log, mc)
	fetcher := activity.NewFetcher(client, tokens, activity.FetcherConfig{
		DefaultWindow: activity.Window{After: cfg.StudyStart, Before: cfg.StudyEnd},
		PageSize:      cfg.StravaPageSize,
	}, log)
	reconciler := activity.NewReconciler(activityRepo, streams, tokens, log, mc)

	return &services{
		subjectRepo:  subjectRepo,
		activityRepo: activityRepo,
		oauth:        oauth,
		subjects:     subject.NewService(subjectRepo, activityRepo, streams, oauth, tokens, log),
		activities:   activity.NewService(subjectRepo, activityRepo, fetcher, reconciler, streams, tokens, log),
		streams:      streams,
		webhooks:     webhook.NewReconciler(subjectRepo, activityRepo, eventRepo, fetcher, tokens, streams, log, mc),
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewCollector(reg)

	// 3. ドメインサービスの初期化
	svc, err := buildServices(cfg, db, slog.Default(), mc)
	if err != nil {
		return err
	}

	issuer := auth.NewTokenIssuer(auth.IssuerConfig{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.JWTAccessTTL,
		RefreshTTL: cfg.JWTRefreshTTL,
	})
	authService := auth.NewService(
		repository.NewPostgresUserRepo(db),
		repository.NewPostgresRevokedTokenRepo(db),
		issuer,
		slog.Default(),
	)

	// 4. ルーターの構築
	// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		Authenticator:     authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		DB:             db,
		MetricsHandler: metrics.Handler(reg),

		UserService: authService,

		SubjectService:   svc.subjects,
		SubjectRegistrar: svc.subjects,
		AuthURLs:         svc.oauth,
		BaseURL:          cfg.BaseURL,
		AuthRedirectURL:  cfg.AuthRedirectURL,

		ActivityService: svc.activities,

		WebhookEvents:      svc.webhooks,
		WebhookVerifyToken: cfg.WebhookVerifyToken,
	})

	// 5. HTTPサーバーの起動
	// 同期処理は上流の呼び出しを含むため、書き込みタイムアウトは長めに取る
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 定期同期スケジューラ、ストリーム補完バッチ、クリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. ドメインサービスの初期化（ワーカーはメトリクスを公開しない）
	svc, err := buildServices(cfg, db, slog.Default(), metrics.NopCollector{})
	if err != nil {
		return err
	}

	// 3. ジョブの初期化
	scheduler := syncer.NewScheduler(svc.subjectRepo, svc.activities, slog.Default(), cfg.SyncMaxConcurrent)

	backfillJob := backfill.NewBatchJob(svc.activityRepo, svc.activities, slog.Default(), backfill.BatchConfig{
		BatchInterval: cfg.BackfillInterval,
		APIInterval:   cfg.BackfillAPIInterval,
		MaxPerCycle:   cfg.BackfillMaxPerCycle,
	})

	cleanupJob := cleanup.NewCleanupJob(db, svc.activityRepo, svc.streams, slog.Default())
	if cfg.WebhookEventRetentionDays > 0 {
		cleanupJob.RetentionDays = cfg.WebhookEventRetentionDays
	}

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

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
		slog.Duration("backfill_interval", cfg.BackfillInterval),
	)

	go backfillJob.Start(ctx)
	go cleanupJob.Start(ctx, cleanupInterval)

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SyncInterval)

	slog.Info("worker stopped gracefully")
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

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
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
