// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// UserStatus はアカウントの承認状態を表す。
// DBには文字列として保存し、境界でのみ変換する。
type UserStatus string

const (
	UserStatusNew      UserStatus = "new"
	UserStatusApproved UserStatus = "approved"
	UserStatusRejected UserStatus = "rejected"
)

// userStatusTransitions は許可された状態遷移の一覧。
// Rejectedからの遷移、ApprovedからNewへの遷移は存在しない。
var userStatusTransitions = map[UserStatus][]UserStatus{
	UserStatusNew: {UserStatusApproved, UserStatusRejected},
}

// ParseUserStatus は文字列をUserStatusに変換する。
func ParseUserStatus(s string) (UserStatus, error) {
	switch UserStatus(s) {
	case UserStatusNew, UserStatusApproved, UserStatusRejected:
		return UserStatus(s), nil
	}
	return "", fmt.Errorf("invalid user status: %q", s)
}

// CanTransitionTo は現在の状態からtoへの遷移が許可されているかを返す。
func (s UserStatus) CanTransitionTo(to UserStatus) bool {
	for _, allowed := range userStatusTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// String はfmt.Stringerを実装する。
func (s UserStatus) String() string {
	return string(s)
}

// User はアカウント（Credential Store上のレコード）を表す。
// IDは内部キーであり、クライアントにはPIDのみを公開する。
type User struct {
	ID           int64
	PID          string
	Email        string
	Name         string
	PasswordHash string
	APIKey       string
	Status       UserStatus

	EmailVerificationToken  *string
	EmailVerificationSentAt *time.Time
	EmailVerifiedAt         *time.Time

	ResetToken  *string
	ResetSentAt *time.Time

	MagicLinkToken  *string
	MagicLinkSentAt *time.Time

	PGPKey                *string
	PGPVerificationToken  *string
	PGPVerificationSentAt *time.Time
	PGPVerifiedAt         *time.Time

	GPGKey                *string
	GPGVerificationToken  *string
	GPGVerificationSentAt *time.Time
	GPGVerifiedAt         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsApproved はセッション発行が許可された状態かを返す。
func (u *User) IsApproved() bool {
	return u.Status == UserStatusApproved
}

// IsEmailVerified はメールアドレスが確認済みかを返す。
func (u *User) IsEmailVerified() bool {
	return u.EmailVerifiedAt != nil
}

// HasVerifiedPGPKey は検証済みのPGP公開鍵を持つかを返す。
func (u *User) HasVerifiedPGPKey() bool {
	return u.PGPKey != nil && *u.PGPKey != "" && u.PGPVerifiedAt != nil
}
