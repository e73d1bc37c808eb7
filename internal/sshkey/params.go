package sshkey

import (
	validation "github.com/go-ozzo/ozzo-validation"
)

const maxLabelLength = 100

// maxKeyLength はauthorized_keys形式1行の上限。8192bit RSAでも収まる。
const maxKeyLength = 16 * 1024

// CreateParams はSSH鍵登録の入力。Keyはauthorized_keys形式の1行。
type CreateParams struct {
	Label string `json:"label"`
	Key   string `json:"key"`
}

// Validate はCreateParamsを検証する。
func (p CreateParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Label, validation.Required, validation.RuneLength(1, maxLabelLength)),
		validation.Field(&p.Key, validation.Required, validation.Length(1, maxKeyLength)),
	)
}
