package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/openidauth/internal/consumer"
	"github.com/hitoshi/openidauth/internal/middleware"
)

// OpenIDConsumer はマウント先以下のパスを処理するOpenIDコンシューマー。
// *consumer.Consumer、*consumer.AuthConsumer、*consumer.RegistrationConsumer が実装する。
type OpenIDConsumer interface {
	http.Handler
	State() consumer.StateStore
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// OpenIDコンシューマー
	Consumer         OpenIDConsumer
	OpenIDPathPrefix string // 例: "/openid/"

	// 認証
	AuthService  AuthServiceInterface
	CookieConfig middleware.CookieConfig

	// ユーザー
	UserService UserServiceInterface

	// メトリクス（nilの場合は /metrics を公開しない）
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → RealIP → Logging → SecurityHeaders → CORS
//	OpenID:  CSRF → OptionalSession → RateLimit(Login) → サインイン済みOpenIDの読み出し
//	API:     Session → RateLimit(General) → CSRF
//
// /health と /metrics はミドルウェアチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(chimiddleware.RealIP)

	// --- 監視用のルート ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.CookieConfig)
	userHandler := NewUserHandler(deps.UserService)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(middleware.NewSecurityHeadersMiddleware())
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

		// --- OpenIDコンシューマー ---
		// ログイン画面などサーバー描画のフォームはCSRFトークンをhiddenフィールドで送る
		if deps.Consumer != nil {
			base := strings.TrimSuffix(openIDPathPrefix(deps.OpenIDPathPrefix), "/")
			r.Group(func(r chi.Router) {
				r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
				r.Use(middleware.NewOptionalSessionMiddleware(deps.SessionFinder))
				r.Use(deps.RateLimiter.LoginMiddleware())
				r.Use(consumer.OpenIDMiddleware(deps.Consumer.State()))

				r.Handle(base, deps.Consumer)
				r.Handle(base+"/*", deps.Consumer)
			})
		}

		// --- 認証不要のルート ---

		// CSRFトークン取得
		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		// ログアウトはセッションが期限切れでもCookieを消せるよう認証不要とする
		r.With(middleware.NewCSRFMiddleware(deps.CSRFConfig)).Post("/api/logout", authHandler.Logout)

		// --- 認証が必要なルート ---
		// ミドルウェアスタック: Session → RateLimit(General) → CSRF
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

			r.Get("/api/me", authHandler.Me)

			// OpenIDの紐付け管理
			r.Route("/api/openids", func(r chi.Router) {
				r.Get("/", userHandler.ListOpenIDs)
				r.Delete("/{id}", userHandler.Unassociate)
			})

			// ユーザー管理
			r.Route("/api/users", func(r chi.Router) {
				r.Delete("/me", userHandler.Withdraw)
			})
		})
	})

	return r
}

// openIDPathPrefix はマウント先を "/xxx/" の形に揃える。空の場合は consumer.DefaultPathPrefix。
func openIDPathPrefix(prefix string) string {
	if prefix == "" {
		return consumer.DefaultPathPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
