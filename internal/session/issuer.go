// Package session はJWTによるセッショントークンの発行と検証を提供する。
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/teamgate/internal/model"
)

// Claims はセッショントークンのクレーム。Subjectはユーザーの公開IDのみを持つ。
type Claims struct {
	jwt.RegisteredClaims
}

// UserPID はクレームの主体であるユーザーの公開IDを返す。
func (c *Claims) UserPID() string {
	return c.Subject
}

// Issuer はHS256で署名したセッショントークンを発行・検証する。
// 署名鍵は起動時に1回だけ設定され、以降は変更されない。
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// Option はIssuerの設定を変更する。
type Option func(*Issuer)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer はIssuerを生成する。
func NewIssuer(secret []byte, ttl time.Duration, issuer string, opts ...Option) *Issuer {
	i := &Issuer{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		issuer: issuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// TTL はトークンの有効期間を返す。
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Generate はApprovedのユーザーに対してセッショントークンを発行する。
// それ以外のステータスのユーザーは存在しない場合と同じエラーになる。
func (i *Issuer) Generate(user *model.User) (string, time.Time, error) {
	if user == nil || !user.IsApproved() {
		return "", time.Time{}, model.NewEntityNotFoundError("ユーザー")
	}

	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.PID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate は署名と有効期限を検証してクレームを返す。
// アカウントのステータスは確認しないため、呼び出し側で承認済みユーザーを引き直すこと。
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, &InvalidTokenError{cause: err}
	}
	if !token.Valid || claims.Subject == "" {
		return nil, &InvalidTokenError{cause: errors.New("token has no subject")}
	}
	return claims, nil
}

// InvalidTokenError はセッショントークンの検証失敗を表す。
// 利用者にはUnauthorizedとして返し、原因はログにのみ残す。
type InvalidTokenError struct {
	cause error
}

func (e *InvalidTokenError) Error() string {
	return "invalid session token: " + e.cause.Error()
}

func (e *InvalidTokenError) Unwrap() error {
	return e.cause
}

// APIError は利用者向けのエラーを返す。
func (e *InvalidTokenError) APIError() *model.APIError {
	return model.NewUnauthorizedError()
}
