package repotest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/teamgate/internal/model"
	"github.com/hitoshi/teamgate/internal/repository"
)

// TeamRepo はrepository.TeamRepositoryのインメモリ実装。
type TeamRepo struct {
	s *Store
}

var _ repository.TeamRepository = (*TeamRepo)(nil)

func (r *TeamRepo) CreateWithOwner(_ context.Context, team *model.Team, ownerID int64) (*model.Membership, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.teams {
		if t.Name == team.Name {
			return nil, &repository.DuplicateError{Field: "name"}
		}
		if t.Slug == team.Slug {
			return nil, &repository.DuplicateError{Field: "slug"}
		}
	}
	team.ID = s.id()
	s.teams[team.ID] = copyTeam(team)
	m := &model.Membership{
		ID:        s.id(),
		PID:       uuid.NewString(),
		TeamID:    team.ID,
		UserID:    ownerID,
		Role:      model.RoleOwner,
		CreatedAt: team.CreatedAt,
		UpdatedAt: team.CreatedAt,
	}
	s.memberships[m.ID] = m
	return copyMembership(m), nil
}

func (r *TeamRepo) FindByID(_ context.Context, id int64) (*model.Team, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t, ok := r.s.teams[id]; ok {
		return copyTeam(t), nil
	}
	return nil, nil
}

func (r *TeamRepo) FindByPID(_ context.Context, pid string) (*model.Team, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.teams {
		if t.PID == pid {
			return copyTeam(t), nil
		}
	}
	return nil, nil
}

func (r *TeamRepo) ListByUser(_ context.Context, userID int64) ([]*model.Team, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var teams []*model.Team
	for _, m := range r.s.memberships {
		if m.UserID == userID && !m.Pending {
			teams = append(teams, copyTeam(r.s.teams[m.TeamID]))
		}
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].Name < teams[j].Name })
	return teams, nil
}

func (r *TeamRepo) Update(_ context.Context, team *model.Team) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[team.ID]; !ok {
		return fmt.Errorf("team not found: %d", team.ID)
	}
	for _, t := range s.teams {
		if t.ID != team.ID && t.Name == team.Name {
			return &repository.DuplicateError{Field: "name"}
		}
		if t.ID != team.ID && t.Slug == team.Slug {
			return &repository.DuplicateError{Field: "slug"}
		}
	}
	s.teams[team.ID] = copyTeam(team)
	return nil
}

func (r *TeamRepo) Delete(_ context.Context, id int64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[id]; !ok {
		return fmt.Errorf("team not found: %d", id)
	}
	for mid, m := range s.memberships {
		if m.TeamID == id {
			delete(s.memberships, mid)
		}
	}
	delete(s.teams, id)
	return nil
}

// membership はロック取得済みの状態で(team, user)の行を探す。
func (s *Store) membership(teamID, userID int64) *model.Membership {
	for _, m := range s.memberships {
		if m.TeamID == teamID && m.UserID == userID {
			return m
		}
	}
	return nil
}

func (r *TeamRepo) FindMembership(_ context.Context, teamID, userID int64) (*model.Membership, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m := r.s.membership(teamID, userID); m != nil {
		return copyMembership(m), nil
	}
	return nil, nil
}

func (r *TeamRepo) FindMembershipByTeamName(_ context.Context, teamName string, userID int64) (*model.Membership, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.teams {
		if t.Name != teamName {
			continue
		}
		if m := r.s.membership(t.ID, userID); m != nil {
			return copyMembership(m), nil
		}
	}
	return nil, nil
}

func (r *TeamRepo) ListMembers(_ context.Context, teamID int64) ([]model.MemberDetail, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var members []model.MemberDetail
	for _, m := range r.s.memberships {
		if m.TeamID != teamID {
			continue
		}
		u := r.s.users[m.UserID]
		members = append(members, model.MemberDetail{
			Membership: *m,
			UserPID:    u.PID,
			UserName:   u.Name,
			UserEmail:  u.Email,
		})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Pending != members[j].Pending {
			return !members[i].Pending
		}
		return members[i].ID < members[j].ID
	})
	return members, nil
}

func (r *TeamRepo) CreateInvitation(_ context.Context, m *model.Membership) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.membership(m.TeamID, m.UserID) != nil {
		return repository.ErrMembershipExists
	}
	m.ID = s.id()
	m.Pending = true
	s.memberships[m.ID] = copyMembership(m)
	return nil
}

func (r *TeamRepo) ListInvitationsForUser(_ context.Context, userID int64, issuedAfter time.Time) ([]model.Invitation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var invitations []model.Invitation
	for _, m := range r.s.memberships {
		if m.UserID == userID && m.Pending && m.InvitationSentAt != nil && m.InvitationSentAt.After(issuedAfter) {
			invitations = append(invitations, model.Invitation{Membership: *m, Team: *r.s.teams[m.TeamID]})
		}
	}
	sort.Slice(invitations, func(i, j int) bool {
		return invitations[i].InvitationSentAt.After(*invitations[j].InvitationSentAt)
	})
	return invitations, nil
}

func (r *TeamRepo) AcceptInvitation(_ context.Context, token string, userID int64, issuedAfter time.Time) (*model.Membership, error) {
	if token == "" {
		return nil, nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.memberships {
		if m.Pending && m.UserID == userID && m.InvitationToken != nil && *m.InvitationToken == token &&
			m.InvitationSentAt != nil && m.InvitationSentAt.After(issuedAfter) {
			m.Pending = false
			m.InvitationToken = nil
			return copyMembership(m), nil
		}
	}
	return nil, nil
}

func (r *TeamRepo) DeleteInvitationByToken(_ context.Context, token string, userID int64) (bool, error) {
	if token == "" {
		return false, nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, m := range r.s.memberships {
		if m.Pending && m.UserID == userID && m.InvitationToken != nil && *m.InvitationToken == token {
			delete(r.s.memberships, id)
			return true, nil
		}
	}
	return false, nil
}

func (r *TeamRepo) DeleteInvitation(_ context.Context, teamID, userID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m := r.s.membership(teamID, userID)
	if m == nil || !m.Pending {
		return false, nil
	}
	delete(r.s.memberships, m.ID)
	return true, nil
}

func (r *TeamRepo) UpdateRole(_ context.Context, teamID, userID int64, role model.Role) (*model.Membership, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.membership(teamID, userID)
	if m == nil || m.Pending {
		return nil, repository.ErrMembershipNotFound
	}
	if m.IsActiveOwner() && role != model.RoleOwner && s.ownerCount(teamID) <= 1 {
		return nil, repository.ErrLastOwner
	}
	m.Role = role
	return copyMembership(m), nil
}

func (r *TeamRepo) RemoveMember(_ context.Context, teamID, userID int64, allowPrivileged bool) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.membership(teamID, userID)
	if m == nil || m.Pending {
		return repository.ErrMembershipNotFound
	}
	if !allowPrivileged && m.Role.IsAtLeast(model.RoleAdministrator) {
		return repository.ErrPrivilegedMember
	}
	if m.IsActiveOwner() && s.ownerCount(teamID) <= 1 {
		return repository.ErrLastOwner
	}
	delete(s.memberships, m.ID)
	return nil
}
