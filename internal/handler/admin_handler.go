package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/teamgate/internal/model"
)

// AdminServiceInterface は管理者ハンドラーが必要とするサービスインターフェース。account.Serviceが満たす。
type AdminServiceInterface interface {
	ListByStatus(ctx context.Context, status model.UserStatus) ([]*model.User, error)
	CountPending(ctx context.Context) (int, error)
	Approve(ctx context.Context, pid string) (*model.User, error)
	Reject(ctx context.Context, pid string) (*model.User, error)
}

// AdminHandler はアカウント承認のHTTPハンドラー。システム管理者のみが利用する。
type AdminHandler struct {
	service AdminServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

type pendingCountResponse struct {
	Count int `json:"count"`
}

// ListUsers は指定ステータスのユーザーを返す。statusの省略時はnewとして扱う。
// GET /api/admin/users?status=
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	status := model.UserStatusNew
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := model.ParseUserStatus(raw)
		if err != nil {
			handleServiceError(w, model.NewValidationError(err.Error()))
			return
		}
		status = parsed
	}

	users, err := h.service.ListByStatus(r.Context(), status)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponses(users))
}

// PendingCount は承認待ちユーザーの件数を返す。
// GET /api/admin/users/pending/count
func (h *AdminHandler) PendingCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.CountPending(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pendingCountResponse{Count: count})
}

// Approve はユーザーを承認する。
// POST /api/admin/users/{userID}/approve
func (h *AdminHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Approve)
}

// Reject はユーザーを拒否する。
// POST /api/admin/users/{userID}/reject
func (h *AdminHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Reject)
}

func (h *AdminHandler) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) (*model.User, error)) {
	user, err := apply(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}
