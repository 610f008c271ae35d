package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/stravasync/internal/auth"
	"github.com/hitoshi/stravasync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Authenticator     middleware.Authenticator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 運用
	DB             Pinger
	MetricsHandler http.Handler

	// APIユーザー
	UserService UserServiceInterface

	// 被験者・OAuth連携
	SubjectService   SubjectServiceInterface
	SubjectRegistrar SubjectRegistrar
	AuthURLs         AuthURLBuilder
	BaseURL          string
	AuthRedirectURL  string

	// アクティビティ
	ActivityService ActivityServiceInterface

	// Webhook
	WebhookEvents      EventHandler
	WebhookVerifyToken string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS → (JWT → RateLimit(General))
//
// Strava側から呼ばれるOAuthコールバックとWebhookはJWTの外に配置し、IP単位で制限する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(strings.HasPrefix(deps.BaseURL, "https://")))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	userHandler := NewUserHandler(deps.UserService)
	subjectHandler := NewSubjectHandler(deps.SubjectService)
	activityHandler := NewActivityHandler(deps.ActivityService)
	stravaAuthHandler := NewStravaAuthHandler(deps.SubjectRegistrar, deps.AuthURLs, deps.BaseURL, deps.AuthRedirectURL, deps.Logger)
	webhookHandler := NewWebhookHandler(deps.WebhookEvents, deps.WebhookVerifyToken, deps.Logger)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.DB))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証不要のルート ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.PublicMiddleware())

		r.Post("/api/register", userHandler.Register)
		r.Post("/api/login", userHandler.Login)

		r.Route("/api/strava_auth/{subject_id}", func(r chi.Router) {
			r.Get("/", stravaAuthHandler.Callback)
			r.Get("/authorize", stravaAuthHandler.Authorize)
		})

		r.Route("/api/webhooks", func(r chi.Router) {
			r.Get("/", webhookHandler.Verify)
			r.Post("/", webhookHandler.Receive)
		})
	})

	// --- リフレッシュトークンで認証するルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewJWTMiddleware(deps.Authenticator, auth.TokenTypeRefresh))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Post("/api/refresh", userHandler.Refresh)
	})

	// --- アクセストークンで認証するルート ---
	// ミドルウェアスタック: JWT → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewJWTMiddleware(deps.Authenticator, auth.TokenTypeAccess))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Post("/api/logout", userHandler.Logout)

		r.Route("/api/user/{user_id}", func(r chi.Router) {
			r.Get("/", userHandler.GetUser)
			r.Delete("/", userHandler.DeleteUser)
		})

		// 被験者管理
		r.Get("/api/subjects", subjectHandler.List)
		r.Route("/api/subject/{subject_id}", func(r chi.Router) {
			r.Get("/", subjectHandler.Get)
			r.Post("/", subjectHandler.Create)
			r.Put("/", subjectHandler.Refresh)
			r.Delete("/", subjectHandler.Delete)

			r.Get("/activities", activityHandler.ListBySubject)
			r.Put("/activities", activityHandler.SyncSubject)
		})

		// アクティビティ管理
		r.Route("/api/activities/{id}", func(r chi.Router) {
			r.Get("/", activityHandler.Get)
			r.Put("/", activityHandler.RefetchStream)
			r.Delete("/", activityHandler.Delete)
			r.Get("/stream", activityHandler.Stream)
		})
	})

	return r
}
