// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/teamgate/internal/account"
	"github.com/hitoshi/teamgate/internal/auth"
	"github.com/hitoshi/teamgate/internal/middleware"
	"github.com/hitoshi/teamgate/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。auth.Serviceが満たす。
type AuthServiceInterface interface {
	Register(ctx context.Context, params account.RegisterParams) (*model.User, error)
	Login(ctx context.Context, params auth.LoginParams) (*auth.Session, error)
	VerifyEmail(ctx context.Context, tok string) (*model.User, error)
	ForgotPassword(ctx context.Context, params auth.EmailParams) error
	ResetPassword(ctx context.Context, params auth.ResetParams) error
	CheckResetToken(ctx context.Context, tok string) error
	RequestMagicLink(ctx context.Context, params auth.EmailParams) error
	ConsumeMagicLink(ctx context.Context, tok string) (*auth.Session, error)
	VerifyKey(ctx context.Context, kind model.KeyKind, tok string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain string
	CookieSecure bool
}

// AuthHandler は登録・ログイン・トークン消費のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// Register はアカウントを登録する。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var params account.RegisterParams
	if !decodeJSON(w, r, &params) {
		return
	}

	user, err := h.service.Register(r.Context(), params)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// Login はメールアドレスとパスワードでログインし、セッションを発行する。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var params auth.LoginParams
	if !decodeJSON(w, r, &params) {
		return
	}

	sess, err := h.service.Login(r.Context(), params)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.writeSession(w, sess)
}

// VerifyEmail はメールアドレス確認トークンを消費する。
// GET /api/auth/verify/{token}
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.VerifyEmail(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// Forgot はパスワード再設定メールを要求する。
// アカウントの有無にかかわらず同じ応答を返す。
// POST /api/auth/forgot
func (h *AuthHandler) Forgot(w http.ResponseWriter, r *http.Request) {
	var params auth.EmailParams
	if !decodeJSON(w, r, &params) {
		return
	}

	if err := h.service.ForgotPassword(r.Context(), params); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, messageResponse{
		Message: "登録済みのアドレスであれば、パスワード再設定の案内を送信しました。",
	})
}

// Reset はパスワード再設定トークンを消費してパスワードを更新する。
// POST /api/auth/reset
func (h *AuthHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var params auth.ResetParams
	if !decodeJSON(w, r, &params) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), params); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CheckReset はメールのリンクから開かれ、再設定トークンが有効かを返す。トークンは消費しない。
// GET /api/auth/reset/{token}
func (h *AuthHandler) CheckReset(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	if err := h.service.CheckResetToken(r.Context(), tok); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resetTokenResponse{Token: tok, ResetPath: "/api/auth/reset"})
}

// RequestMagicLink はマジックリンクのメールを要求する。
// 承認済みアカウントの有無にかかわらず同じ応答を返す。
// POST /api/auth/magic-link
func (h *AuthHandler) RequestMagicLink(w http.ResponseWriter, r *http.Request) {
	var params auth.EmailParams
	if !decodeJSON(w, r, &params) {
		return
	}

	if err := h.service.RequestMagicLink(r.Context(), params); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, messageResponse{
		Message: "登録済みのアドレスであれば、ログイン用のリンクを送信しました。",
	})
}

// ConsumeMagicLink はマジックリンクのトークンを消費してセッションを発行する。
// GET /api/auth/magic-link/{token}
func (h *AuthHandler) ConsumeMagicLink(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.ConsumeMagicLink(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.writeSession(w, sess)
}

// Logout はセッションCookieを削除する。JWTはサーバー側で失効させない。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AuthCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	w.WriteHeader(http.StatusNoContent)
}

// Current は現在のログインユーザー情報を返す。
// GET /api/auth/current
func (h *AuthHandler) Current(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// VerifyKey は公開鍵の検証トークンを消費するハンドラーを返す。
// GET /api/verify/pgp/{token}, GET /api/verify/gpg/{token}
func (h *AuthHandler) VerifyKey(kind model.KeyKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := h.service.VerifyKey(r.Context(), kind, chi.URLParam(r, "token"))
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toUserResponse(user))
	}
}

// writeSession はセッションCookieを設定し、トークンを本文でも返す。
func (h *AuthHandler) writeSession(w http.ResponseWriter, sess *auth.Session) {
	maxAge := int(time.Until(sess.ExpiresAt).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AuthCookieName,
		Value:    sess.Token,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		User:      toUserResponse(sess.User),
	})
}
