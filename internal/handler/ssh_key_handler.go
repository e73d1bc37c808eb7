package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/teamgate/internal/model"
	"github.com/hitoshi/teamgate/internal/sshkey"
)

// SSHKeyServiceInterface はSSH鍵ハンドラーが必要とするサービスインターフェース。sshkey.Serviceが満たす。
type SSHKeyServiceInterface interface {
	List(ctx context.Context, user *model.User) ([]*model.SSHKey, error)
	Create(ctx context.Context, user *model.User, params sshkey.CreateParams) (*model.SSHKey, error)
	Delete(ctx context.Context, user *model.User, keyPID string) error
}

// SSHKeyHandler は自分のSSH公開鍵を扱うHTTPハンドラー。
type SSHKeyHandler struct {
	service SSHKeyServiceInterface
}

// NewSSHKeyHandler はSSHKeyHandlerを生成する。
func NewSSHKeyHandler(service SSHKeyServiceInterface) *SSHKeyHandler {
	return &SSHKeyHandler{service: service}
}

type sshKeyResponse struct {
	PID         string    `json:"pid"`
	Label       string    `json:"label"`
	PublicKey   string    `json:"public_key"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

func toSSHKeyResponse(k *model.SSHKey) sshKeyResponse {
	return sshKeyResponse{
		PID:         k.PID,
		Label:       k.Label,
		PublicKey:   k.PublicKey,
		Fingerprint: k.Fingerprint,
		CreatedAt:   k.CreatedAt,
	}
}

// ListKeys は登録済みのSSH鍵を返す。
// GET /api/users/me/ssh-keys
func (h *SSHKeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	keys, err := h.service.List(r.Context(), user)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]sshKeyResponse, len(keys))
	for i, k := range keys {
		resp[i] = toSSHKeyResponse(k)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateKey はSSH鍵を登録する。
// POST /api/users/me/ssh-keys
func (h *SSHKeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var params sshkey.CreateParams
	if !decodeJSON(w, r, &params) {
		return
	}

	key, err := h.service.Create(r.Context(), user, params)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSSHKeyResponse(key))
}

// DeleteKey はSSH鍵を削除する。
// DELETE /api/users/me/ssh-keys/{keyID}
func (h *SSHKeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), user, chi.URLParam(r, "keyID")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
