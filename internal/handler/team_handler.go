package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/teamgate/internal/model"
	"github.com/hitoshi/teamgate/internal/team"
)

// TeamServiceInterface はチームハンドラーが必要とするサービスインターフェース。team.Serviceが満たす。
type TeamServiceInterface interface {
	Create(ctx context.Context, actor *model.User, params team.TeamParams) (*model.Team, error)
	List(ctx context.Context, actor *model.User) ([]*model.Team, error)
	Get(ctx context.Context, actor *model.User, teamPID string) (*model.Team, *model.Membership, error)
	Update(ctx context.Context, actor *model.User, teamPID string, params team.TeamParams) (*model.Team, error)
	Delete(ctx context.Context, actor *model.User, teamPID string) error
	ListMembers(ctx context.Context, actor *model.User, teamPID string) ([]model.MemberDetail, error)
	Invite(ctx context.Context, actor *model.User, teamPID string, params team.InviteParams) (*team.InviteResult, error)
	Cancel(ctx context.Context, actor *model.User, teamPID, targetPID string) (bool, error)
	UpdateRole(ctx context.Context, actor *model.User, teamPID, targetPID string, params team.RoleParams) (*model.Membership, error)
	RemoveMember(ctx context.Context, actor *model.User, teamPID, targetPID string) error
	Leave(ctx context.Context, user *model.User, teamPID string) error
	ListMyInvitations(ctx context.Context, user *model.User) ([]model.Invitation, error)
	Accept(ctx context.Context, user *model.User, invitationToken string) (*model.Membership, error)
	Decline(ctx context.Context, user *model.User, invitationToken string) (bool, error)
}

// TeamHandler はチームと招待のHTTPハンドラー。
type TeamHandler struct {
	service TeamServiceInterface
}

// NewTeamHandler はTeamHandlerを生成する。
func NewTeamHandler(service TeamServiceInterface) *TeamHandler {
	return &TeamHandler{service: service}
}

// CreateTeam はチームを作成する。作成者はOwnerになる。
// POST /api/teams
func (h *TeamHandler) CreateTeam(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var params team.TeamParams
	if !decodeJSON(w, r, &params) {
		return
	}

	t, err := h.service.Create(r.Context(), user, params)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toTeamResponse(t))
}

// ListTeams は所属チームの一覧を返す。
// GET /api/teams
func (h *TeamHandler) ListTeams(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	teams, err := h.service.List(r.Context(), user)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]teamResponse, len(teams))
	for i, t := range teams {
		resp[i] = toTeamResponse(t)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTeam はチームと自分のロールを返す。
// GET /api/teams/{teamID}
func (h *TeamHandler) GetTeam(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	t, membership, err := h.service.Get(r.Context(), user, chi.URLParam(r, "teamID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, teamDetailResponse{
		teamResponse: toTeamResponse(t),
		Role:         membership.Role.String(),
	})
}

// UpdateTeam はチーム名と説明を更新する。
// PUT /api/teams/{teamID}
func (h *TeamHandler) UpdateTeam(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var params team.TeamParams
	if !decodeJSON(w, r, &params) {
		return
	}

	t, err := h.service.Update(r.Context(), user, chi.URLParam(r, "teamID"), params)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTeamResponse(t))
}

// DeleteTeam はチームを削除する。
// DELETE /api/teams/{teamID}
func (h *TeamHandler) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), user, chi.URLParam(r, "teamID")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMembers はメンバーと招待中のユーザーを返す。
// GET /api/teams/{teamID}/members
func (h *TeamHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	members, err := h.service.ListMembers(r.Context(), user, chi.URLParam(r, "teamID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]memberResponse, len(members))
	for i, m := range members {
		resp[i] = toMemberResponse(m)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Invite はユーザーをチームに招待する。
// 招待メールの送信に失敗しても招待は作成され、delivery_failedで通知する。
// POST /api/teams/{teamID}/invitations
func (h *TeamHandler) Invite(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var params team.InviteParams
	if !decodeJSON(w, r, &params) {
		return
	}

	result, err := h.service.Invite(r.Context(), user, chi.URLParam(r, "teamID"), params)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, inviteResponse{
		Membership:     toMembershipResponse(result.Membership),
		UserPID:        result.Invitee.PID,
		DeliveryFailed: result.DeliveryFailed,
	})
}

// CancelInvitation は招待を取り消す。
// DELETE /api/teams/{teamID}/invitations/{userID}
func (h *TeamHandler) CancelInvitation(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	cancelled, err := h.service.Cancel(r.Context(), user, chi.URLParam(r, "teamID"), chi.URLParam(r, "userID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !cancelled {
		handleServiceError(w, model.NewEntityNotFoundError("invitation"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateRole はメンバーのロールを変更する。
// PUT /api/teams/{teamID}/members/{userID}/role
func (h *TeamHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var params team.RoleParams
	if !decodeJSON(w, r, &params) {
		return
	}

	m, err := h.service.UpdateRole(r.Context(), user, chi.URLParam(r, "teamID"), chi.URLParam(r, "userID"), params)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toMembershipResponse(m))
}

// RemoveMember はメンバーをチームから外す。
// DELETE /api/teams/{teamID}/members/{userID}
func (h *TeamHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	if err := h.service.RemoveMember(r.Context(), user, chi.URLParam(r, "teamID"), chi.URLParam(r, "userID")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Leave はチームから脱退する。
// POST /api/teams/{teamID}/leave
func (h *TeamHandler) Leave(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	if err := h.service.Leave(r.Context(), user, chi.URLParam(r, "teamID")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListInvitations は自分宛ての招待を返す。
// GET /api/invitations
func (h *TeamHandler) ListInvitations(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	invitations, err := h.service.ListMyInvitations(r.Context(), user)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]invitationResponse, len(invitations))
	for i, inv := range invitations {
		resp[i] = toInvitationResponse(inv)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetInvitation は招待メールのリンクから開かれ、自分宛ての招待1件を返す。
// 他人宛て・期限切れ・存在しないトークンは区別せず404とする。
// GET /api/invitations/{token}
func (h *TeamHandler) GetInvitation(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	invitations, err := h.service.ListMyInvitations(r.Context(), user)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	tok := chi.URLParam(r, "token")
	for _, inv := range invitations {
		if inv.InvitationToken != nil && *inv.InvitationToken == tok {
			writeJSON(w, http.StatusOK, toInvitationResponse(inv))
			return
		}
	}
	handleServiceError(w, model.NewEntityNotFoundError("invitation"))
}

// AcceptInvitation は招待を受諾する。
// POST /api/invitations/{token}/accept
func (h *TeamHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	m, err := h.service.Accept(r.Context(), user, chi.URLParam(r, "token"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toMembershipResponse(m))
}

// DeclineInvitation は招待を辞退する。
// POST /api/invitations/{token}/decline
func (h *TeamHandler) DeclineInvitation(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	declined, err := h.service.Decline(r.Context(), user, chi.URLParam(r, "token"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !declined {
		handleServiceError(w, model.NewEntityNotFoundError("invitation"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
