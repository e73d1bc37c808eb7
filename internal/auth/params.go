package auth

import (
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/hitoshi/teamgate/internal/account"
	"github.com/hitoshi/teamgate/internal/model"
)

// LoginParams はパスワードログインの入力。
type LoginParams struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate はLoginParamsを検証する。
func (p LoginParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required),
		validation.Field(&p.Password, validation.Required),
	)
}

// EmailParams はメールアドレスのみを受け取るフロー（パスワード再設定要求、マジックリンク要求）の入力。
type EmailParams struct {
	Email string `json:"email"`
}

// Validate はEmailParamsを検証する。
func (p EmailParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
	)
}

// ResetParams はパスワード再設定の入力。
type ResetParams struct {
	Token                string `json:"token"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// Validate はResetParamsを検証する。
func (p ResetParams) Validate() error {
	if err := validation.ValidateStruct(&p,
		validation.Field(&p.Token, validation.Required),
	); err != nil {
		return err
	}
	return p.passwordParams().Validate()
}

func (p ResetParams) passwordParams() account.PasswordParams {
	return account.PasswordParams{
		Password:             p.Password,
		PasswordConfirmation: p.PasswordConfirmation,
	}
}

// KeyParams は公開鍵の登録の入力。
type KeyParams struct {
	Key string `json:"key"`
}

// Validate はKeyParamsを検証する。
func (p KeyParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Key, validation.Required),
	)
}

func validationError(err error) error {
	return model.NewValidationError(err.Error())
}

