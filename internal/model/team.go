package model

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Role はチーム内の権限を表す。Owner > Administrator > Developer > Observer の順に強い。
type Role string

const (
	RoleOwner         Role = "owner"
	RoleAdministrator Role = "administrator"
	RoleDeveloper     Role = "developer"
	RoleObserver      Role = "observer"
)

var roleRank = map[Role]int{
	RoleObserver:      1,
	RoleDeveloper:     2,
	RoleAdministrator: 3,
	RoleOwner:         4,
}

// AllRoles は権限の強い順に全ロールを返す。
func AllRoles() []Role {
	return []Role{RoleOwner, RoleAdministrator, RoleDeveloper, RoleObserver}
}

// ParseRole は文字列をRoleに変換する。前後の空白と大文字小文字は無視する。
// "admin" はAdministratorの別名として受け付ける。
func ParseRole(s string) (Role, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "admin" {
		return RoleAdministrator, nil
	}
	r := Role(v)
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("invalid role: %q", s)
	}
	return r, nil
}

// IsValid は定義済みのロールかを返す。
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// IsAtLeast はrがmin以上の権限を持つかを返す。
func (r Role) IsAtLeast(min Role) bool {
	return r.IsValid() && roleRank[r] >= roleRank[min]
}

// In はrolesのいずれかと完全一致するかを返す。
func (r Role) In(roles ...Role) bool {
	for _, candidate := range roles {
		if r == candidate {
			return true
		}
	}
	return false
}

// String はfmt.Stringerを実装する。
func (r Role) String() string {
	return string(r)
}

// Team はチームを表す。
type Team struct {
	ID          int64
	PID         string
	Name        string
	Slug        string
	Description *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Membership はチームとユーザーの関係を表す。(team, user) の組は一意。
// Pending=trueは招待中であり、InvitationTokenとInvitationSentAtが設定されている。
type Membership struct {
	ID               int64
	PID              string
	TeamID           int64
	UserID           int64
	Role             Role
	Pending          bool
	InvitationToken  *string
	InvitationSentAt *time.Time
	InvitedByID      *int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsActiveOwner は承認済みのOwnerかを返す。
func (m *Membership) IsActiveOwner() bool {
	return !m.Pending && m.Role == RoleOwner
}

// MemberDetail はメンバー一覧表示用にユーザー情報を結合したもの。
type MemberDetail struct {
	Membership
	UserPID   string
	UserName  string
	UserEmail string
}

// Invitation は招待されたユーザー向けの招待情報。
type Invitation struct {
	Membership
	Team Team
}

// Slugify はチーム名からURL用のスラッグを生成する。
// 英数字以外の連続は1つの "-" にまとめ、前後の "-" は取り除く。
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
