package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/teamgate/internal/model"
)

// SystemAdminChecker はユーザーがシステム管理者かを判定する。account.Serviceが満たす。
type SystemAdminChecker interface {
	IsSystemAdmin(ctx context.Context, user *model.User) (bool, error)
}

// NewRequireSystemAdmin は管理チームのOwnerまたはAdministrator以外を拒否するミドルウェアを返す。
// 認証ミドルウェアの後に配置する。
func NewRequireSystemAdmin(checker SystemAdminChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ok, err := checker.IsSystemAdmin(r.Context(), user)
			if err != nil {
				slog.Error("failed to check system admin",
					slog.String("user_pid", user.PID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if !ok {
				slog.Warn("system admin required",
					slog.String("user_pid", user.PID),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError("システム管理者の権限が必要です"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
