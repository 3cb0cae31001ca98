// Package app はサブコマンドごとの起動処理と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/creatorgate/internal/checkout"
	"github.com/hitoshi/creatorgate/internal/config"
	"github.com/hitoshi/creatorgate/internal/content"
	"github.com/hitoshi/creatorgate/internal/database"
	"github.com/hitoshi/creatorgate/internal/handler"
	"github.com/hitoshi/creatorgate/internal/identity"
	"github.com/hitoshi/creatorgate/internal/logger"
	"github.com/hitoshi/creatorgate/internal/media"
	"github.com/hitoshi/creatorgate/internal/metrics"
	"github.com/hitoshi/creatorgate/internal/middleware"
	"github.com/hitoshi/creatorgate/internal/onboarding"
	"github.com/hitoshi/creatorgate/internal/payment"
	"github.com/hitoshi/creatorgate/internal/realtime"
	"github.com/hitoshi/creatorgate/internal/repository"
	"github.com/hitoshi/creatorgate/internal/security"
	"github.com/hitoshi/creatorgate/internal/transient"
	"github.com/hitoshi/creatorgate/internal/worker/expiry"
)

// Init はアプリケーションの初期化を行う。
// .envを読み込み、JSON構造化ログをセットアップしてから環境変数のConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み（既存の環境変数は上書きしない）
	dotenvErr := config.LoadDotEnv()

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	if dotenvErr != nil {
		slog.Warn("failed to load .env", slog.String("error", dotenvErr.Error()))
	}

	// 3. 環境変数から設定を読み込む
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
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// server はAPIサーバーの構成要素。
type server struct {
	handler     http.Handler
	hub         *realtime.Hub
	rateLimiter *middleware.RateLimiter
	closers     []func() error
}

// Close はサーバーが保持する外部接続を閉じる。
func (s *server) Close() error {
	s.rateLimiter.Stop()
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// newTransientStore はREDIS_ADDRが設定されていればRedis、なければプロセス内メモリの一時状態ストアを返す。
func newTransientStore(ctx context.Context, cfg *config.Config) (transient.Store, func() error, error) {
	if cfg.RedisAddr == "" {
		slog.Warn("REDIS_ADDR is not set; using in-memory transient store")
		return transient.NewMemoryStore(cfg.TransientTTL), func() error { return nil }, nil
	}

	client, err := transient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, nil, err
	}
	return transient.NewRedisStore(client, cfg.TransientTTL), client.Close, nil
}

// newServer はDB接続から全依存関係をワイヤリングし、ルーターを構築する。
func newServer(ctx context.Context, cfg *config.Config, db *sql.DB, reg *prometheus.Registry) (*server, error) {
	log := slog.Default()

	// 1. メトリクス
	collector := metrics.NewCollector(reg)

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserProfileRepo(db)
	creatorRepo := repository.NewPostgresCreatorProfileRepo(db)
	contentRepo := repository.NewPostgresContentRepo(db)
	followRepo := repository.NewPostgresFollowRepo(db)
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	purchaseRepo := repository.NewPostgresPurchaseRepo(db)
	checkoutRepo := repository.NewPostgresCheckoutSessionRepo(db)
	webhookRepo := repository.NewPostgresWebhookEventRepo(db)

	// 3. 外部サービス
	store, closeStore, err := newTransientStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize transient store: %w", err)
	}
	signer, err := media.NewS3Signer(ctx, media.Config{
		Bucket:   cfg.MediaBucket,
		Region:   cfg.MediaRegion,
		Endpoint: cfg.MediaEndpoint,
		URLTTL:   cfg.MediaURLTTL,
	})
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("failed to initialize media signer: %w", err)
	}
	gateway := payment.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, nil)
	sanitizer := security.NewSanitizer()
	hub := realtime.NewHub(log)

	// 4. ドメインサービスの初期化
	verifier := identity.NewVerifier(cfg.AuthJWTSecret, cfg.AuthIssuer, cfg.AuthAudience)
	provider := identity.NewProvider(userRepo, creatorRepo, store, cfg.ProfileCacheTTL, log)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	appURL := strings.TrimRight(cfg.AppURL, "/")

	committer := onboarding.NewVerifiedCommitter(gateway, creatorRepo, cfg.Currency)
	machine := onboarding.NewMachine(
		userRepo, creatorRepo, gateway, committer, store, provider, sanitizer, collector, log,
		onboarding.Config{
			ConnectReturnURL:  baseURL + "/onboarding/connect/return",
			ConnectRefreshURL: appURL + "/onboarding",
		},
	)

	reconciler := checkout.NewReconciler(checkoutRepo, gateway, hub, collector, log)
	coordinator := checkout.NewCoordinator(
		creatorRepo, contentRepo, subRepo, purchaseRepo, checkoutRepo, gateway, reconciler, collector, log,
		checkout.Config{
			SuccessURL: appURL + "/checkout/return?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  appURL + "/checkout/cancel",
			Currency:   cfg.Currency,
		},
	)
	webhooks := checkout.NewWebhookProcessor(webhookRepo, gateway, reconciler, collector, log)

	assembler := content.NewAssembler(sanitizer, signer, collector, log)
	contentService := content.NewService(contentRepo, creatorRepo, followRepo, subRepo, purchaseRepo, assembler, log)

	// 5. レート制限（設定はreq/min単位）
	rlCfg := middleware.DefaultRateLimiterConfig()
	rlCfg.GeneralRate, rlCfg.GeneralBurst = middleware.PerMinute(cfg.RateLimitGeneral)
	rlCfg.CheckoutRate, rlCfg.CheckoutBurst = middleware.PerMinute(cfg.RateLimitCheckout)
	rateLimiter := middleware.NewRateLimiter(rlCfg)

	// 6. ルーターの構築
	sessionCfg := middleware.SessionConfig{
		CookieSecure: cfg.CookieSecure,
		CookieDomain: cfg.CookieDomain,
	}
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),
		TokenVerifier:     verifier,
		ViewerResolver:    provider,
		SessionConfig:     sessionCfg,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Health:            db,

		Onboarding:        machine,
		SessionTerminator: provider,
		AppURL:            appURL,

		Checkout: coordinator,
		Webhooks: webhooks,

		Content: contentService,

		Events: hub,
	})

	return &server{
		handler:     router,
		hub:         hub,
		rateLimiter: rateLimiter,
		closers:     []func() error{closeStore},
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. ワイヤリング
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "creatorgate"),
	)
	srv, err := newServer(ctx, cfg, db, reg)
	if err != nil {
		return err
	}
	defer srv.Close()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go srv.hub.Run(hubCtx)

	// 3. HTTPサーバーの起動
	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WebSocket接続はハイジャック後にこのタイムアウトの対象外となる
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", httpServer.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// ハイジャック済みのWebSocket接続はShutdownの対象外のため、先にハブを止めて切断する
	stopHub()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れ更新ジョブを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）と停止する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. リポジトリとジョブの初期化
	checkoutRepo := repository.NewPostgresCheckoutSessionRepo(db)
	subRepo := repository.NewPostgresSubscriptionRepo(db)

	// ワーカーはスクレイプ用のエンドポイントを持たないため、件数はログにのみ出力する
	job := expiry.NewJob(checkoutRepo, subRepo, metrics.Nop{}, slog.Default())
	job.PendingTTL = cfg.CheckoutPendingTTL

	slog.Info("worker starting",
		slog.Duration("expiry_interval", cfg.ExpiryInterval),
		slog.Duration("checkout_pending_ttl", cfg.CheckoutPendingTTL),
	)

	// ジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.ExpiryInterval)

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
