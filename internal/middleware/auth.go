// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/teamgate/internal/model"
)

const (
	// AuthCookieName はセッショントークン（JWT）を保持するCookieの名前。
	AuthCookieName = "auth_token"

	apiKeyHeader = "X-API-Key"
)

// 認証方式
const (
	AuthMethodBearer = "bearer"
	AuthMethodCookie = "cookie"
	AuthMethodAPIKey = "api_key"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userContextKey       = contextKey("user")
	authMethodContextKey = contextKey("auth_method")
	requestInfoKey       = contextKey("request_info")
)

// Authenticator は資格情報から承認済みユーザーを解決する。auth.Serviceが満たす。
// 承認済みでないユーザーはUnauthorizedとして扱われる。
type Authenticator interface {
	ResolveSession(ctx context.Context, tokenString string) (*model.User, error)
	ResolveAPIKey(ctx context.Context, apiKey string) (*model.User, error)
}

// NewAuthMiddleware はリクエストの資格情報を検証するミドルウェアを返す。
// Authorization: Bearer、X-API-Key、auth_token Cookieの順に参照する。
// リクエストごとにユーザーを引き直すため、却下されたユーザーは次のリクエストから拒否される。
func NewAuthMiddleware(authenticator Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, method := credentialFromRequest(r)
			if credential == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			var (
				user *model.User
				err  error
			)
			if method == AuthMethodAPIKey {
				user, err = authenticator.ResolveAPIKey(r.Context(), credential)
			} else {
				user, err = authenticator.ResolveSession(r.Context(), credential)
			}
			if err != nil {
				var apiErr *model.APIError
				if errors.As(err, &apiErr) {
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
					return
				}
				slog.Error("failed to resolve credential",
					slog.String("method", method),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user, method)))
		})
	}
}

// credentialFromRequest はリクエストから資格情報と認証方式を取り出す。
func credentialFromRequest(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok), AuthMethodBearer
		}
		return "", AuthMethodBearer
	}
	if key := r.Header.Get(apiKeyHeader); key != "" {
		return strings.TrimSpace(key), AuthMethodAPIKey
	}
	if cookie, err := r.Cookie(AuthCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, AuthMethodCookie
	}
	return "", ""
}

// usesCookieAuth はリクエストがCookieのみで認証されるかを返す。
func usesCookieAuth(r *http.Request) bool {
	_, method := credentialFromRequest(r)
	return method == AuthMethodCookie
}

// UserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserFromContext(ctx context.Context) (*model.User, error) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	if !ok || user == nil {
		return nil, errors.New("user not found in context")
	}
	return user, nil
}

// AuthMethodFromContext は認証方式を返す。未認証の場合は空文字列。
func AuthMethodFromContext(ctx context.Context) string {
	method, _ := ctx.Value(authMethodContextKey).(string)
	return method
}

// ContextWithUser はコンテキストに認証済みユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成でも使用する。
func ContextWithUser(ctx context.Context, user *model.User, method string) context.Context {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok && user != nil {
		info.userPID = user.PID
	}
	ctx = context.WithValue(ctx, userContextKey, user)
	return context.WithValue(ctx, authMethodContextKey, method)
}
