package team

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/hitoshi/teamgate/internal/model"
)

const (
	minTeamNameLength    = 2
	maxTeamNameLength    = 100
	maxDescriptionLength = 2000
)

// TeamParams はチームの作成・更新の入力。
type TeamParams struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

// Validate はTeamParamsを検証する。
func (p TeamParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required, validation.RuneLength(minTeamNameLength, maxTeamNameLength)),
		validation.Field(&p.Description, validation.RuneLength(0, maxDescriptionLength)),
	)
}

// InviteParams はチームへの招待の入力。
type InviteParams struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Validate はInviteParamsを検証する。
func (p InviteParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
		validation.Field(&p.Role, validation.Required, validation.By(validRole)),
	)
}

// RoleParams はロール変更の入力。
type RoleParams struct {
	Role string `json:"role"`
}

// Validate はRoleParamsを検証する。
func (p RoleParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Role, validation.Required, validation.By(validRole)),
	)
}

func validRole(value interface{}) error {
	s, _ := value.(string)
	if _, err := model.ParseRole(s); err != nil {
		return errors.New("must be one of owner, administrator, developer, observer")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
