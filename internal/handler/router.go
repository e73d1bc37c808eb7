package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/teamgate/internal/metrics"
	"github.com/hitoshi/teamgate/internal/middleware"
	"github.com/hitoshi/teamgate/internal/model"
)

// HealthChecker はDB疎通を確認する。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler
	HealthChecker     HealthChecker
	Authenticator     middleware.Authenticator
	AdminChecker      middleware.SystemAdminChecker
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	HSTS              bool
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ユーザー
	UserService   UserServiceInterface
	SSHKeyService SSHKeyServiceInterface

	// チーム
	TeamService TeamServiceInterface

	// 管理者
	AdminService AdminServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → Logging → SecurityHeaders → CORS → CSRF
//
// 認証が必要なルートではさらに Auth → RateLimit(General) を適用し、
// /api/admin/* には RequireSystemAdmin を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, metrics.OrNop(deps.Metrics)))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService)
	sshKeyHandler := NewSSHKeyHandler(deps.SSHKeyService)
	teamHandler := NewTeamHandler(deps.TeamService)
	adminHandler := NewAdminHandler(deps.AdminService)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	r.Route("/api/auth", func(r chi.Router) {
		// 総当たり対策としてIP単位のレート制限を適用する
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/forgot", authHandler.Forgot)
			r.Post("/magic-link", authHandler.RequestMagicLink)
			r.Get("/reset/{token}", authHandler.CheckReset)
		})

		r.Get("/verify/{token}", authHandler.VerifyEmail)
		r.Post("/reset", authHandler.Reset)
		r.Get("/magic-link/{token}", authHandler.ConsumeMagicLink)
		r.Post("/logout", authHandler.Logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewAuthMiddleware(deps.Authenticator))
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Get("/current", authHandler.Current)
		})
	})

	r.Get("/api/verify/pgp/{token}", authHandler.VerifyKey(model.KeyPGP))
	r.Get("/api/verify/gpg/{token}", authHandler.VerifyKey(model.KeyGPG))

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Authenticator))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/users/me", func(r chi.Router) {
			r.Get("/", userHandler.Me)
			r.Delete("/", userHandler.Withdraw)
			r.Post("/api-key", userHandler.RegenerateAPIKey)
			r.Put("/pgp-key", userHandler.UpdateKey(model.KeyPGP))
			r.Put("/gpg-key", userHandler.UpdateKey(model.KeyGPG))
			r.Get("/ssh-keys", sshKeyHandler.ListKeys)
			r.Post("/ssh-keys", sshKeyHandler.CreateKey)
			r.Delete("/ssh-keys/{keyID}", sshKeyHandler.DeleteKey)
		})

		r.Route("/api/teams", func(r chi.Router) {
			r.Get("/", teamHandler.ListTeams)
			r.Post("/", teamHandler.CreateTeam)

			r.Route("/{teamID}", func(r chi.Router) {
				r.Get("/", teamHandler.GetTeam)
				r.Put("/", teamHandler.UpdateTeam)
				r.Delete("/", teamHandler.DeleteTeam)
				r.Get("/members", teamHandler.ListMembers)
				r.Put("/members/{userID}/role", teamHandler.UpdateRole)
				r.Delete("/members/{userID}", teamHandler.RemoveMember)
				r.Post("/invitations", teamHandler.Invite)
				r.Delete("/invitations/{userID}", teamHandler.CancelInvitation)
				r.Post("/leave", teamHandler.Leave)
			})
		})

		r.Route("/api/invitations", func(r chi.Router) {
			r.Get("/", teamHandler.ListInvitations)
			r.Get("/{token}", teamHandler.GetInvitation)
			r.Post("/{token}/accept", teamHandler.AcceptInvitation)
			r.Post("/{token}/decline", teamHandler.DeclineInvitation)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(middleware.NewRequireSystemAdmin(deps.AdminChecker))
			r.Get("/users", adminHandler.ListUsers)
			r.Get("/users/pending/count", adminHandler.PendingCount)
			r.Post("/users/{userID}/approve", adminHandler.Approve)
			r.Post("/users/{userID}/reject", adminHandler.Reject)
		})
	})

	return r
}

// healthHandler はDB疎通を確認し、失敗時は503を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
