package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/creatorgate/internal/metrics"
	"github.com/hitoshi/creatorgate/internal/middleware"
)

// HealthChecker はヘルスチェックで依存先の疎通を確認するインターフェース。
// *sql.DB が満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler
	TokenVerifier     middleware.TokenVerifier
	ViewerResolver    middleware.ViewerResolver
	SessionConfig     middleware.SessionConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Health            HealthChecker

	// オンボーディング
	Onboarding        OnboardingService
	SessionTerminator SessionTerminator
	AppURL            string

	// 決済
	Checkout CheckoutService
	Webhooks WebhookService

	// コンテンツ
	Content ContentService

	// リアルタイム通知
	Events EventAttacher
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Session → CSRF → RateLimit(General)
//
// Webhook、ヘルスチェック、メトリクスはセッションの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	// プリフライトはルート未定義でも応答させるため最上位に適用する
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	onboardingHandler := NewOnboardingHandler(deps.Onboarding, deps.AppURL)
	sessionHandler := NewSessionHandler(deps.Onboarding, deps.SessionTerminator, deps.SessionConfig)
	checkoutHandler := NewCheckoutHandler(deps.Checkout)
	contentHandler := NewContentHandler(deps.Content)
	webhookHandler := NewWebhookHandler(deps.Webhooks)
	eventsHandler := NewEventsHandler(deps.Events, deps.CORSAllowedOrigin)

	// --- セッション不要のルート ---
	r.Get("/health", NewHealthHandler(deps.Health))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	// Stripeからの呼び出しは署名で検証するため、CSRFの対象外
	r.Post("/webhooks/stripe", webhookHandler.Stripe)

	// --- セッションを解決するルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.TokenVerifier, deps.ViewerResolver, deps.SessionConfig))
		r.Use(middleware.NewCSRFMiddleware(deps.SessionConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 閲覧者は任意
		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.SessionConfig))
		r.Post("/auth/logout", sessionHandler.Logout)
		r.Get("/onboarding/connect/return", onboardingHandler.ConnectReturn)
		r.Get("/api/checkout/return", checkoutHandler.Return)
		r.Get("/api/items/{id}", contentHandler.Item)

		// 閲覧者が必須
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireViewer)

			r.Get("/api/me", sessionHandler.Me)
			r.Get("/api/feed", contentHandler.Feed)
			r.Get("/api/events", eventsHandler.Serve)

			r.Route("/api/onboarding", func(r chi.Router) {
				r.Get("/", onboardingHandler.GetState)
				r.Post("/profile", onboardingHandler.SubmitProfile)
				r.Post("/creator-intent", onboardingHandler.SubmitCreatorIntent)
				r.Post("/connect", onboardingHandler.InitiateConnection)
				r.Post("/retry", onboardingHandler.Retry)
			})

			// POST /api/checkout - チェックアウト開始（専用レート制限を追加）
			r.With(deps.RateLimiter.CheckoutMiddleware()).Post("/api/checkout", checkoutHandler.Begin)

			r.Route("/api/creators/{id}/follow", func(r chi.Router) {
				r.Put("/", contentHandler.Follow)
				r.Delete("/", contentHandler.Unfollow)
			})
		})
	})

	return r
}
