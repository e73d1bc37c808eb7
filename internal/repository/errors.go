package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

var (
	// ErrDuplicate は一意制約違反を表す。詳細なフィールドはDuplicateErrorで返す。
	ErrDuplicate = errors.New("duplicate entry")

	// ErrLastOwner はチームの最後のOwnerを失う操作を表す。
	ErrLastOwner = errors.New("team must keep at least one owner")

	// ErrMembershipExists は(team, user)のメンバーシップが既に存在することを表す。
	ErrMembershipExists = errors.New("membership already exists")

	// ErrMembershipNotFound は操作対象のアクティブメンバーシップが存在しないことを表す。
	ErrMembershipNotFound = errors.New("membership not found")

	// ErrPrivilegedMember はOwner以外がAdministrator以上のメンバーを外そうとしたことを表す。
	ErrPrivilegedMember = errors.New("member is owner or administrator")
)

// uniqueViolation はPostgreSQLの一意制約違反コード。
const uniqueViolation = "23505"

// DuplicateError はどのフィールドが重複したかを保持する。
// errors.Is(err, ErrDuplicate) で判定できる。
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s", e.Field)
}

// Is はErrDuplicateとの比較を可能にする。
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// translateUniqueViolation は一意制約違反をDuplicateErrorに変換する。
// それ以外のエラーはnilを返す。
func translateUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != uniqueViolation {
		return nil
	}
	return &DuplicateError{Field: fieldFromConstraint(pqErr.Constraint)}
}

// fieldFromConstraint は "users_email_key" のような制約名からフィールド名を取り出す。
func fieldFromConstraint(constraint string) string {
	name := strings.TrimSuffix(constraint, "_key")
	for _, table := range []string{"team_memberships_", "ssh_keys_", "users_", "teams_"} {
		if strings.HasPrefix(name, table) {
			return strings.TrimPrefix(name, table)
		}
	}
	return name
}
