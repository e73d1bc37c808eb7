// Package repotest はサービス層のテスト用にリポジトリのインメモリ実装を提供する。
// PostgreSQL実装と同じく、Find系は見つからない場合にnilを返し、取得した値はコピーである。
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/teamgate/internal/model"
	"github.com/hitoshi/teamgate/internal/repository"
)

// Store はユーザー・チーム・メンバーシップ・SSH鍵を保持する。
type Store struct {
	mu          sync.Mutex
	nextID      int64
	users       map[int64]*model.User
	teams       map[int64]*model.Team
	memberships map[int64]*model.Membership
	sshKeys     map[int64]*model.SSHKey
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		users:       make(map[int64]*model.User),
		teams:       make(map[int64]*model.Team),
		memberships: make(map[int64]*model.Membership),
		sshKeys:     make(map[int64]*model.SSHKey),
	}
}

// Users はUserRepositoryを返す。
func (s *Store) Users() *UserRepo {
	return &UserRepo{s: s}
}

// Teams はTeamRepositoryを返す。
func (s *Store) Teams() *TeamRepo {
	return &TeamRepo{s: s}
}

// SSHKeys はSSHKeyRepositoryを返す。
func (s *Store) SSHKeys() *SSHKeyRepo {
	return &SSHKeyRepo{s: s}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func copyUser(u *model.User) *model.User {
	c := *u
	return &c
}

func copyTeam(t *model.Team) *model.Team {
	c := *t
	return &c
}

func copyMembership(m *model.Membership) *model.Membership {
	c := *m
	return &c
}

// UserRepo はrepository.UserRepositoryのインメモリ実装。
type UserRepo struct {
	s *Store
}

var _ repository.UserRepository = (*UserRepo)(nil)

func (r *UserRepo) Create(_ context.Context, user *model.User, adminTeam *model.Team) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == user.Email {
			return &repository.DuplicateError{Field: "email"}
		}
		if u.Name == user.Name {
			return &repository.DuplicateError{Field: "name"}
		}
	}

	first := len(s.users) == 0
	if first {
		verifiedAt := user.CreatedAt
		user.Status = model.UserStatusApproved
		user.EmailVerifiedAt = &verifiedAt
	}
	user.ID = s.id()
	s.users[user.ID] = copyUser(user)

	if first && adminTeam != nil {
		var team *model.Team
		for _, t := range s.teams {
			if t.Name == adminTeam.Name {
				team = t
			}
		}
		if team == nil {
			adminTeam.ID = s.id()
			team = copyTeam(adminTeam)
			s.teams[team.ID] = team
		}
		adminTeam.ID, adminTeam.PID = team.ID, team.PID
		m := &model.Membership{
			ID:        s.id(),
			PID:       uuid.NewString(),
			TeamID:    team.ID,
			UserID:    user.ID,
			Role:      model.RoleOwner,
			CreatedAt: user.CreatedAt,
			UpdatedAt: user.CreatedAt,
		}
		s.memberships[m.ID] = m
	}
	return nil
}

func (r *UserRepo) find(match func(*model.User) bool) *model.User {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if match(u) {
			return copyUser(u)
		}
	}
	return nil
}

func (r *UserRepo) FindByID(_ context.Context, id int64) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.ID == id }), nil
}

func (r *UserRepo) FindByPID(_ context.Context, pid string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.PID == pid }), nil
}

func (r *UserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.Email == email }), nil
}

func (r *UserRepo) FindApprovedByPID(_ context.Context, pid string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.PID == pid && u.IsApproved() }), nil
}

func (r *UserRepo) FindApprovedByAPIKey(_ context.Context, apiKey string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.APIKey == apiKey && u.IsApproved() }), nil
}

func (r *UserRepo) ListByStatus(_ context.Context, status model.UserStatus) ([]*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var users []*model.User
	for _, u := range r.s.users {
		if u.Status == status {
			users = append(users, copyUser(u))
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (r *UserRepo) CountByStatus(ctx context.Context, status model.UserStatus) (int, error) {
	users, _ := r.ListByStatus(ctx, status)
	return len(users), nil
}

func (r *UserRepo) UpdateStatus(_ context.Context, id int64, from, to model.UserStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok || u.Status != from {
		return false, nil
	}
	u.Status = to
	return true, nil
}

func (r *UserRepo) update(id int64, fn func(*model.User)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return fmt.Errorf("user not found: %d", id)
	}
	fn(u)
	return nil
}

func (r *UserRepo) UpdatePassword(_ context.Context, id int64, passwordHash string) error {
	return r.update(id, func(u *model.User) { u.PasswordHash = passwordHash })
}

func (r *UserRepo) UpdateAPIKey(_ context.Context, id int64, apiKey string) error {
	return r.update(id, func(u *model.User) { u.APIKey = apiKey })
}

func (r *UserRepo) SetPublicKey(_ context.Context, id int64, kind model.KeyKind, armored string) error {
	return r.update(id, func(u *model.User) {
		switch kind {
		case model.KeyPGP:
			u.PGPKey, u.PGPVerificationToken, u.PGPVerificationSentAt, u.PGPVerifiedAt = &armored, nil, nil, nil
		case model.KeyGPG:
			u.GPGKey, u.GPGVerificationToken, u.GPGVerificationSentAt, u.GPGVerifiedAt = &armored, nil, nil, nil
		}
	})
}

// tokenFields はkindに対応するトークン・発行日時・検証日時のフィールドを返す。
func tokenFields(u *model.User, kind model.TokenKind) (tok **string, sentAt, verifiedAt **time.Time) {
	switch kind {
	case model.TokenEmailVerification:
		return &u.EmailVerificationToken, &u.EmailVerificationSentAt, &u.EmailVerifiedAt
	case model.TokenPasswordReset:
		return &u.ResetToken, &u.ResetSentAt, nil
	case model.TokenMagicLink:
		return &u.MagicLinkToken, &u.MagicLinkSentAt, nil
	case model.TokenPGPVerification:
		return &u.PGPVerificationToken, &u.PGPVerificationSentAt, &u.PGPVerifiedAt
	case model.TokenGPGVerification:
		return &u.GPGVerificationToken, &u.GPGVerificationSentAt, &u.GPGVerifiedAt
	}
	return nil, nil, nil
}

func (r *UserRepo) SetToken(_ context.Context, id int64, kind model.TokenKind, token string, issuedAt time.Time) error {
	var unknown bool
	err := r.update(id, func(u *model.User) {
		tok, sentAt, _ := tokenFields(u, kind)
		if tok == nil {
			unknown = true
			return
		}
		*tok, *sentAt = &token, &issuedAt
	})
	if unknown {
		return fmt.Errorf("unknown token kind: %q", kind)
	}
	return err
}

func (r *UserRepo) ConsumeToken(_ context.Context, kind model.TokenKind, token string, now time.Time) (*model.ConsumedToken, error) {
	if token == "" {
		return nil, nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		tok, sentAt, verifiedAt := tokenFields(u, kind)
		if tok == nil {
			return nil, fmt.Errorf("unknown token kind: %q", kind)
		}
		if *tok == nil || **tok != token {
			continue
		}
		if kind.RequiresApproval() && !u.IsApproved() {
			return nil, nil
		}
		var issuedAt time.Time
		if *sentAt != nil {
			issuedAt = **sentAt
		}
		*tok = nil
		if verifiedAt != nil {
			*verifiedAt = &now
		} else {
			*sentAt = nil
		}
		u.UpdatedAt = now
		return &model.ConsumedToken{User: copyUser(u), IssuedAt: issuedAt}, nil
	}
	return nil, nil
}

func (r *UserRepo) LookupToken(_ context.Context, kind model.TokenKind, token string) (*model.ConsumedToken, error) {
	if token == "" {
		return nil, nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		tok, sentAt, _ := tokenFields(u, kind)
		if tok == nil {
			return nil, fmt.Errorf("unknown token kind: %q", kind)
		}
		if *tok == nil || **tok != token {
			continue
		}
		if kind.RequiresApproval() && !u.IsApproved() {
			return nil, nil
		}
		var issuedAt time.Time
		if *sentAt != nil {
			issuedAt = **sentAt
		}
		return &model.ConsumedToken{User: copyUser(u), IssuedAt: issuedAt}, nil
	}
	return nil, nil
}

func (r *UserRepo) DeleteByID(_ context.Context, id int64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("user not found: %d", id)
	}
	for _, m := range s.memberships {
		if m.UserID == id && m.IsActiveOwner() && s.ownerCount(m.TeamID) == 1 {
			return repository.ErrLastOwner
		}
	}
	for mid, m := range s.memberships {
		if m.UserID == id {
			delete(s.memberships, mid)
		}
	}
	for kid, k := range s.sshKeys {
		if k.UserID == id {
			delete(s.sshKeys, kid)
		}
	}
	delete(s.users, id)
	return nil
}

func (s *Store) ownerCount(teamID int64) int {
	n := 0
	for _, m := range s.memberships {
		if m.TeamID == teamID && m.IsActiveOwner() {
			n++
		}
	}
	return n
}
