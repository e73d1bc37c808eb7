package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/teamgate/internal/model"
	"github.com/hitoshi/teamgate/internal/team"
)

// --- モック定義 ---

// mockTeamService はTeamServiceInterfaceのモック実装。未設定のメソッドはゼロ値を返す。
type mockTeamService struct {
	createFn       func(ctx context.Context, actor *model.User, params team.TeamParams) (*model.Team, error)
	listFn         func(ctx context.Context, actor *model.User) ([]*model.Team, error)
	getFn          func(ctx context.Context, actor *model.User, teamPID string) (*model.Team, *model.Membership, error)
	updateFn       func(ctx context.Context, actor *model.User, teamPID string, params team.TeamParams) (*model.Team, error)
	deleteFn       func(ctx context.Context, actor *model.User, teamPID string) error
	listMembersFn  func(ctx context.Context, actor *model.User, teamPID string) ([]model.MemberDetail, error)
	inviteFn       func(ctx context.Context, actor *model.User, teamPID string, params team.InviteParams) (*team.InviteResult, error)
	cancelFn       func(ctx context.Context, actor *model.User, teamPID, targetPID string) (bool, error)
	updateRoleFn   func(ctx context.Context, actor *model.User, teamPID, targetPID string, params team.RoleParams) (*model.Membership, error)
	removeMemberFn func(ctx context.Context, actor *model.User, teamPID, targetPID string) error
	leaveFn        func(ctx context.Context, user *model.User, teamPID string) error
	invitationsFn  func(ctx context.Context, user *model.User) ([]model.Invitation, error)
	acceptFn       func(ctx context.Context, user *model.User, token string) (*model.Membership, error)
	declineFn      func(ctx context.Context, user *model.User, token string) (bool, error)
}

func (m *mockTeamService) Create(ctx context.Context, actor *model.User, params team.TeamParams) (*model.Team, error) {
	if m.createFn != nil {
		return m.createFn(ctx, actor, params)
	}
	return testTeam(), nil
}

func (m *mockTeamService) List(ctx context.Context, actor *model.User) ([]*model.Team, error) {
	if m.listFn != nil {
		return m.listFn(ctx, actor)
	}
	return []*model.Team{}, nil
}

func (m *mockTeamService) Get(ctx context.Context, actor *model.User, teamPID string) (*model.Team, *model.Membership, error) {
	if m.getFn != nil {
		return m.getFn(ctx, actor, teamPID)
	}
	return testTeam(), &model.Membership{PID: "m-1", Role: model.RoleOwner}, nil
}

func (m *mockTeamService) Update(ctx context.Context, actor *model.User, teamPID string, params team.TeamParams) (*model.Team, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, actor, teamPID, params)
	}
	return testTeam(), nil
}

func (m *mockTeamService) Delete(ctx context.Context, actor *model.User, teamPID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, actor, teamPID)
	}
	return nil
}

func (m *mockTeamService) ListMembers(ctx context.Context, actor *model.User, teamPID string) ([]model.MemberDetail, error) {
	if m.listMembersFn != nil {
		return m.listMembersFn(ctx, actor, teamPID)
	}
	return []model.MemberDetail{}, nil
}

func (m *mockTeamService) Invite(ctx context.Context, actor *model.User, teamPID string, params team.InviteParams) (*team.InviteResult, error) {
	if m.inviteFn != nil {
		return m.inviteFn(ctx, actor, teamPID, params)
	}
	return nil, model.NewInternalError()
}

func (m *mockTeamService) Cancel(ctx context.Context, actor *model.User, teamPID, targetPID string) (bool, error) {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, actor, teamPID, targetPID)
	}
	return true, nil
}

func (m *mockTeamService) UpdateRole(ctx context.Context, actor *model.User, teamPID, targetPID string, params team.RoleParams) (*model.Membership, error) {
	if m.updateRoleFn != nil {
		return m.updateRoleFn(ctx, actor, teamPID, targetPID, params)
	}
	return &model.Membership{PID: "m-2", Role: model.Role(params.Role)}, nil
}

func (m *mockTeamService) RemoveMember(ctx context.Context, actor *model.User, teamPID, targetPID string) error {
	if m.removeMemberFn != nil {
		return m.removeMemberFn(ctx, actor, teamPID, targetPID)
	}
	return nil
}

func (m *mockTeamService) Leave(ctx context.Context, user *model.User, teamPID string) error {
	if m.leaveFn != nil {
		return m.leaveFn(ctx, user, teamPID)
	}
	return nil
}

func (m *mockTeamService) ListMyInvitations(ctx context.Context, user *model.User) ([]model.Invitation, error) {
	if m.invitationsFn != nil {
		return m.invitationsFn(ctx, user)
	}
	return []model.Invitation{}, nil
}

func (m *mockTeamService) Accept(ctx context.Context, user *model.User, token string) (*model.Membership, error) {
	if m.acceptFn != nil {
		return m.acceptFn(ctx, user, token)
	}
	return &model.Membership{PID: "m-3", Role: model.RoleDeveloper}, nil
}

func (m *mockTeamService) Decline(ctx context.Context, user *model.User, token string) (bool, error) {
	if m.declineFn != nil {
		return m.declineFn(ctx, user, token)
	}
	return true, nil
}

func testTeam() *model.Team {
	return &model.Team{
		ID:        3,
		PID:       "team-pid-3",
		Name:      "Infra Team",
		Slug:      "infra-team",
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

// --- チームCRUD ---

func TestTeamHandler_CreateTeam(t *testing.T) {
	svc := &mockTeamService{
		createFn: func(ctx context.Context, actor *model.User, params team.TeamParams) (*model.Team, error) {
			if params.Name != "Infra Team" {
				t.Errorf("name = %q, want %q", params.Name, "Infra Team")
			}
			if params.Description == nil || *params.Description != "ops" {
				t.Errorf("description = %v, want %q", params.Description, "ops")
			}
			return testTeam(), nil
		},
	}
	h := NewTeamHandler(svc)

	req := withUser(jsonRequest(http.MethodPost, "/api/teams", `{"name":"Infra Team","description":"ops"}`), testUser())
	w := httptest.NewRecorder()
	h.CreateTeam(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	body := decodeBody(t, w)
	if body["slug"] != "infra-team" {
		t.Errorf("slug = %v, want %q", body["slug"], "infra-team")
	}
	if body["pid"] != "team-pid-3" {
		t.Errorf("pid = %v, want %q", body["pid"], "team-pid-3")
	}
}

func TestTeamHandler_CreateTeam_Duplicate(t *testing.T) {
	svc := &mockTeamService{
		createFn: func(ctx context.Context, actor *model.User, params team.TeamParams) (*model.Team, error) {
			return nil, model.NewEntityAlreadyExistsError("team")
		},
	}
	h := NewTeamHandler(svc)

	req := withUser(jsonRequest(http.MethodPost, "/api/teams", `{"name":"Infra Team"}`), testUser())
	w := httptest.NewRecorder()
	h.CreateTeam(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestTeamHandler_GetTeam_IncludesRole(t *testing.T) {
	var gotPID string
	svc := &mockTeamService{
		getFn: func(ctx context.Context, actor *model.User, teamPID string) (*model.Team, *model.Membership, error) {
			gotPID = teamPID
			return testTeam(), &model.Membership{Role: model.RoleObserver}, nil
		},
	}
	h := NewTeamHandler(svc)

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/teams/team-pid-3", nil), testUser())
	req = withChiURLParams(req, "teamID", "team-pid-3")
	w := httptest.NewRecorder()
	h.GetTeam(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotPID != "team-pid-3" {
		t.Errorf("teamPID = %q, want %q", gotPID, "team-pid-3")
	}
	body := decodeBody(t, w)
	if body["role"] != "observer" {
		t.Errorf("role = %v, want %q", body["role"], "observer")
	}
	if body["name"] != "Infra Team" {
		t.Errorf("name = %v, want %q", body["name"], "Infra Team")
	}
}

func TestTeamHandler_GetTeam_NonMemberNotFound(t *testing.T) {
	svc := &mockTeamService{
		getFn: func(ctx context.Context, actor *model.User, teamPID string) (*model.Team, *model.Membership, error) {
			return nil, nil, model.NewEntityNotFoundError("team")
		},
	}
	h := NewTeamHandler(svc)

	req := withChiURLParams(withUser(httptest.NewRequest(http.MethodGet, "/api/teams/x", nil), testUser()), "teamID", "x")
	w := httptest.NewRecorder()
	h.GetTeam(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestTeamHandler_UpdateTeam_Forbidden(t *testing.T) {
	svc := &mockTeamService{
		updateFn: func(ctx context.Context, actor *model.User, teamPID string, params team.TeamParams) (*model.Team, error) {
			return nil, model.NewForbiddenError("Ownerのみが実行できます。")
		},
	}
	h := NewTeamHandler(svc)

	req := withUser(jsonRequest(http.MethodPut, "/api/teams/team-pid-3", `{"name":"Renamed"}`), testUser())
	req = withChiURLParams(req, "teamID", "team-pid-3")
	w := httptest.NewRecorder()
	h.UpdateTeam(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeForbidden {
		t.Errorf("code = %q, want %q", got, model.ErrCodeForbidden)
	}
}

func TestTeamHandler_DeleteTeam(t *testing.T) {
	h := NewTeamHandler(&mockTeamService{})

	req := withChiURLParams(withUser(httptest.NewRequest(http.MethodDelete, "/api/teams/team-pid-3", nil), testUser()),
		"teamID", "team-pid-3")
	w := httptest.NewRecorder()
	h.DeleteTeam(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

// --- メンバー ---

func TestTeamHandler_ListMembers_HidesInvitationToken(t *testing.T) {
	sent := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	tok := "secret-invitation"
	svc := &mockTeamService{
		listMembersFn: func(ctx context.Context, actor *model.User, teamPID string) ([]model.MemberDetail, error) {
			return []model.MemberDetail{
				{Membership: model.Membership{PID: "m-1", Role: model.RoleOwner}, UserPID: "u-1", UserName: "alice", UserEmail: "alice@example.com"},
				{Membership: model.Membership{PID: "m-2", Role: model.RoleDeveloper, Pending: true, InvitationToken: &tok, InvitationSentAt: &sent},
					UserPID: "u-2", UserName: "bob", UserEmail: "bob@example.com"},
			}, nil
		},
	}
	h := NewTeamHandler(svc)

	req := withChiURLParams(withUser(httptest.NewRequest(http.MethodGet, "/api/teams/t/members", nil), testUser()), "teamID", "t")
	w := httptest.NewRecorder()
	h.ListMembers(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	raw := w.Body.String()
	var members []map[string]any
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("len = %d, want 2", len(members))
	}
	if members[1]["pending"] != true || members[1]["role"] != "developer" {
		t.Errorf("member = %v", members[1])
	}
	if _, ok := members[0]["invited_at"]; ok {
		t.Error("active member must not carry invited_at")
	}
	if strings.Contains(raw, tok) {
		t.Error("invitation token must not be exposed to other members")
	}
}

func TestTeamHandler_UpdateRole_LastOwner(t *testing.T) {
	svc := &mockTeamService{
		updateRoleFn: func(ctx context.Context, actor *model.User, teamPID, targetPID string, params team.RoleParams) (*model.Membership, error) {
			if targetPID != "u-1" {
				t.Errorf("targetPID = %q, want %q", targetPID, "u-1")
			}
			return nil, model.NewLastOwnerError()
		},
	}
	h := NewTeamHandler(svc)

	req := withUser(jsonRequest(http.MethodPut, "/api/teams/t/members/u-1/role", `{"role":"developer"}`), testUser())
	req = withChiURLParams(req, "teamID", "t", "userID", "u-1")
	w := httptest.NewRecorder()
	h.UpdateRole(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestTeamHandler_UpdateRole_Success(t *testing.T) {
	h := NewTeamHandler(&mockTeamService{})

	req := withUser(jsonRequest(http.MethodPut, "/api/teams/t/members/u-2/role", `{"role":"administrator"}`), testUser())
	req = withChiURLParams(req, "teamID", "t", "userID", "u-2")
	w := httptest.NewRecorder()
	h.UpdateRole(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := decodeBody(t, w); body["role"] != "administrator" {
		t.Errorf("role = %v, want %q", body["role"], "administrator")
	}
}

func TestTeamHandler_RemoveMember_PassesIDs(t *testing.T) {
	var gotTeam, gotTarget string
	svc := &mockTeamService{
		removeMemberFn: func(ctx context.Context, actor *model.User, teamPID, targetPID string) error {
			gotTeam, gotTarget = teamPID, targetPID
			return nil
		},
	}
	h := NewTeamHandler(svc)

	req := withUser(httptest.NewRequest(http.MethodDelete, "/api/teams/t/members/u-2", nil), testUser())
	req = withChiURLParams(req, "teamID", "t", "userID", "u-2")
	w := httptest.NewRecorder()
	h.RemoveMember(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if gotTeam != "t" || gotTarget != "u-2" {
		t.Errorf("ids = (%q, %q), want (%q, %q)", gotTeam, gotTarget, "t", "u-2")
	}
}

func TestTeamHandler_Leave_LastOwner(t *testing.T) {
	svc := &mockTeamService{
		leaveFn: func(ctx context.Context, user *model.User, teamPID string) error {
			return model.NewLastOwnerError()
		},
	}
	h := NewTeamHandler(svc)

	req := withChiURLParams(withUser(httptest.NewRequest(http.MethodPost, "/api/teams/t/leave", nil), testUser()), "teamID", "t")
	w := httptest.NewRecorder()
	h.Leave(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

// --- 招待 ---

func TestTeamHandler_Invite_DeliveryFailed(t *testing.T) {
	svc := &mockTeamService{
		inviteFn: func(ctx context.Context, actor *model.User, teamPID string, params team.InviteParams) (*team.InviteResult, error) {
			if params.Email != "bob@example.com" || params.Role != "developer" {
				t.Errorf("params = %+v", params)
			}
			return &team.InviteResult{
				Membership:     &model.Membership{PID: "m-9", Role: model.RoleDeveloper, Pending: true},
				Invitee:        &model.User{PID: "bob-pid"},
				DeliveryFailed: true,
			}, nil
		},
	}
	h := NewTeamHandler(svc)

	req := withUser(jsonRequest(http.MethodPost, "/api/teams/t/invitations", `{"email":"bob@example.com","role":"developer"}`), testUser())
	req = withChiURLParams(req, "teamID", "t")
	w := httptest.NewRecorder()
	h.Invite(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	body := decodeBody(t, w)
	if body["delivery_failed"] != true {
		t.Errorf("delivery_failed = %v, want true", body["delivery_failed"])
	}
	if body["user_pid"] != "bob-pid" {
		t.Errorf("user_pid = %v, want %q", body["user_pid"], "bob-pid")
	}
	membership, _ := body["membership"].(map[string]any)
	if membership["pending"] != true {
		t.Errorf("membership.pending = %v, want true", membership["pending"])
	}
}

func TestTeamHandler_CancelInvitation_NotFound(t *testing.T) {
	svc := &mockTeamService{
		cancelFn: func(ctx context.Context, actor *model.User, teamPID, targetPID string) (bool, error) {
			return false, nil
		},
	}
	h := NewTeamHandler(svc)

	req := withUser(httptest.NewRequest(http.MethodDelete, "/api/teams/t/invitations/u-2", nil), testUser())
	req = withChiURLParams(req, "teamID", "t", "userID", "u-2")
	w := httptest.NewRecorder()
	h.CancelInvitation(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestTeamHandler_ListInvitations_IncludesToken(t *testing.T) {
	tok := "invite-token"
	sent := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	svc := &mockTeamService{
		invitationsFn: func(ctx context.Context, user *model.User) ([]model.Invitation, error) {
			return []model.Invitation{{
				Membership: model.Membership{Role: model.RoleObserver, Pending: true, InvitationToken: &tok, InvitationSentAt: &sent},
				Team:       *testTeam(),
			}}, nil
		},
	}
	h := NewTeamHandler(svc)

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/invitations", nil), testUser())
	w := httptest.NewRecorder()
	h.ListInvitations(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var invitations []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&invitations); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(invitations) != 1 {
		t.Fatalf("len = %d, want 1", len(invitations))
	}
	if invitations[0]["token"] != tok {
		t.Errorf("token = %v, want %q", invitations[0]["token"], tok)
	}
	teamBody, _ := invitations[0]["team"].(map[string]any)
	if teamBody["slug"] != "infra-team" {
		t.Errorf("team.slug = %v, want %q", teamBody["slug"], "infra-team")
	}
}

func TestTeamHandler_GetInvitation(t *testing.T) {
	tok := "inv-token"
	sent := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc := &mockTeamService{
		invitationsFn: func(ctx context.Context, user *model.User) ([]model.Invitation, error) {
			return []model.Invitation{{
				Membership: model.Membership{Role: model.RoleDeveloper, Pending: true, InvitationToken: &tok, InvitationSentAt: &sent},
				Team:       *testTeam(),
			}}, nil
		},
	}
	h := NewTeamHandler(svc)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"own invitation", tok, http.StatusOK},
		{"unknown token", "other", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := withChiURLParams(withUser(httptest.NewRequest(http.MethodGet, "/api/invitations/"+tt.token, nil), testUser()), "token", tt.token)
			w := httptest.NewRecorder()
			h.GetInvitation(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				body := decodeBody(t, w)
				if body["role"] != "developer" {
					t.Errorf("role = %v, want developer", body["role"])
				}
			}
		})
	}
}

func TestTeamHandler_AcceptInvitation(t *testing.T) {
	var gotToken string
	svc := &mockTeamService{
		acceptFn: func(ctx context.Context, user *model.User, token string) (*model.Membership, error) {
			gotToken = token
			return &model.Membership{PID: "m-3", Role: model.RoleDeveloper}, nil
		},
	}
	h := NewTeamHandler(svc)

	req := withChiURLParams(withUser(httptest.NewRequest(http.MethodPost, "/api/invitations/tok/accept", nil), testUser()), "token", "tok")
	w := httptest.NewRecorder()
	h.AcceptInvitation(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotToken != "tok" {
		t.Errorf("token = %q, want %q", gotToken, "tok")
	}
	if body := decodeBody(t, w); body["pending"] != false {
		t.Errorf("pending = %v, want false", body["pending"])
	}
}

func TestTeamHandler_AcceptInvitation_Expired(t *testing.T) {
	svc := &mockTeamService{
		acceptFn: func(ctx context.Context, user *model.User, token string) (*model.Membership, error) {
			return nil, model.NewEntityNotFoundError("invitation")
		},
	}
	h := NewTeamHandler(svc)

	req := withChiURLParams(withUser(httptest.NewRequest(http.MethodPost, "/api/invitations/old/accept", nil), testUser()), "token", "old")
	w := httptest.NewRecorder()
	h.AcceptInvitation(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestTeamHandler_DeclineInvitation(t *testing.T) {
	tests := []struct {
		name       string
		declined   bool
		wantStatus int
	}{
		{"declined", true, http.StatusNoContent},
		{"no such invitation", false, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockTeamService{
				declineFn: func(ctx context.Context, user *model.User, token string) (bool, error) {
					return tt.declined, nil
				},
			}
			h := NewTeamHandler(svc)

			req := withChiURLParams(withUser(httptest.NewRequest(http.MethodPost, "/api/invitations/tok/decline", nil), testUser()), "token", "tok")
			w := httptest.NewRecorder()
			h.DeclineInvitation(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestTeamHandler_NoUser_ReturnsUnauthorized(t *testing.T) {
	h := NewTeamHandler(&mockTeamService{})

	handlers := map[string]http.HandlerFunc{
		"create": h.CreateTeam,
		"list":   h.ListTeams,
		"leave":  h.Leave,
		"accept": h.AcceptInvitation,
	}
	for name, fn := range handlers {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			fn(w, httptest.NewRequest(http.MethodPost, "/", nil))
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}
