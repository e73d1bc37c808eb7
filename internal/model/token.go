package model

import (
	"fmt"
	"time"
)

// TokenKind はワンショットトークンの種類を表す。
type TokenKind string

const (
	TokenEmailVerification TokenKind = "email_verification"
	TokenPasswordReset     TokenKind = "password_reset"
	TokenMagicLink         TokenKind = "magic_link"
	TokenPGPVerification   TokenKind = "pgp_verification"
	TokenGPGVerification   TokenKind = "gpg_verification"
)

// TokenKinds は全トークン種別を返す。
func TokenKinds() []TokenKind {
	return []TokenKind{
		TokenEmailVerification,
		TokenPasswordReset,
		TokenMagicLink,
		TokenPGPVerification,
		TokenGPGVerification,
	}
}

// RequiresApproval は消費時にステータスゲートを通す必要がある種別かを返す。
// マジックリンクはセッション発行に直結するため承認済みアカウントに限定する。
func (k TokenKind) RequiresApproval() bool {
	return k == TokenMagicLink
}

// ConsumedToken はトークンの持ち主と発行日時。
// 消費の結果として返る場合、トークンはすでにクリアされている。IssuedAtは有効期限の判定に使う。
type ConsumedToken struct {
	User     *User
	IssuedAt time.Time
}

// KeyKind は利用者が登録する暗号化用公開鍵の種類を表す。
type KeyKind string

const (
	KeyPGP KeyKind = "pgp"
	KeyGPG KeyKind = "gpg"
)

// ParseKeyKind は文字列をKeyKindに変換する。
func ParseKeyKind(s string) (KeyKind, error) {
	switch KeyKind(s) {
	case KeyPGP, KeyGPG:
		return KeyKind(s), nil
	}
	return "", fmt.Errorf("invalid key kind: %q", s)
}

// VerificationToken は鍵の検証に使うトークン種別を返す。
func (k KeyKind) VerificationToken() TokenKind {
	if k == KeyGPG {
		return TokenGPGVerification
	}
	return TokenPGPVerification
}
