package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/teamgate/internal/auth"
	"github.com/hitoshi/teamgate/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	RegenerateAPIKey(ctx context.Context, user *model.User) (string, error)
	// Delete はアカウントを削除する。唯一のOwnerであるチームがある場合は拒否される。
	Delete(ctx context.Context, user *model.User) error
	UpdatePublicKey(ctx context.Context, user *model.User, kind model.KeyKind, key string) error
}

// UserHandler は自分自身のアカウントを扱うHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// meResponse は本人にのみ返すアカウント情報。
type meResponse struct {
	userResponse
	APIKey string `json:"api_key"`
}

type apiKeyResponse struct {
	APIKey string `json:"api_key"`
}

// Me は自分のアカウント情報をAPIキー付きで返す。
// GET /api/users/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		userResponse: toUserResponse(user),
		APIKey:       user.APIKey,
	})
}

// Withdraw はアカウントを削除する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), user); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RegenerateAPIKey はAPIキーを再発行する。古いキーは即座に使えなくなる。
// POST /api/users/me/api-key
func (h *UserHandler) RegenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	key, err := h.service.RegenerateAPIKey(r.Context(), user)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, apiKeyResponse{APIKey: key})
}

// UpdateKey は公開鍵を登録するハンドラーを返す。検証が済むまで鍵は未検証として扱われる。
// PUT /api/users/me/pgp-key, PUT /api/users/me/gpg-key
func (h *UserHandler) UpdateKey(kind model.KeyKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := currentUser(w, r)
		if !ok {
			return
		}

		var params auth.KeyParams
		if !decodeJSON(w, r, &params) {
			return
		}

		if err := h.service.UpdatePublicKey(r.Context(), user, kind, params.Key); err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, messageResponse{
			Message: "確認メールを送信しました。メール内のリンクから鍵を有効化してください。",
		})
	}
}
