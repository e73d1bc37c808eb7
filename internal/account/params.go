package account

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/hitoshi/teamgate/internal/model"
)

const (
	minNameLength     = 3
	maxNameLength     = 100
	minPasswordLength = 8
	// bcryptは72バイトを超える入力を扱えない
	maxPasswordLength = 72
)

// RegisterParams はアカウント登録の入力。
type RegisterParams struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// Normalize は前後の空白を除去し、メールアドレスを小文字にする。パスワードは変更しない。
func (p *RegisterParams) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = NormalizeEmail(p.Email)
}

// Validate はRegisterParamsを検証する。
func (p RegisterParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required, validation.RuneLength(minNameLength, maxNameLength)),
		validation.Field(&p.Email, validation.Required, is.Email),
		validation.Field(&p.Password, passwordRules...),
		validation.Field(&p.PasswordConfirmation, validation.By(matches(p.Password))),
	)
}

// PasswordParams はパスワード再設定の入力。
type PasswordParams struct {
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// Validate はPasswordParamsを検証する。
func (p PasswordParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Password, passwordRules...),
		validation.Field(&p.PasswordConfirmation, validation.By(matches(p.Password))),
	)
}

var passwordRules = []validation.Rule{
	validation.Required,
	validation.Length(minPasswordLength, maxPasswordLength),
}

func matches(password string) validation.RuleFunc {
	return func(value interface{}) error {
		if s, _ := value.(string); s != password {
			return errors.New("does not match password")
		}
		return nil
	}
}

// NormalizeEmail はメールアドレスの比較用の表現を返す。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// toValidationError はozzo-validationのエラーをAPIErrorに変換する。
func toValidationError(err error) error {
	if err == nil {
		return nil
	}
	return model.NewValidationError(err.Error())
}
