package model

import "time"

// SSHKey はユーザーが登録したSSH公開鍵。
// PublicKeyはauthorized_keys形式に正規化した1行で、FingerprintはそのSHA256フィンガープリント。
type SSHKey struct {
	ID          int64
	PID         string
	UserID      int64
	Label       string
	PublicKey   string
	Fingerprint string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
