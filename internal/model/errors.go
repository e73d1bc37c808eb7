// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, team, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeEntityNotFound      = "ENTITY_NOT_FOUND"
	ErrCodeEntityAlreadyExists = "ENTITY_ALREADY_EXISTS"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInvalidOperation    = "INVALID_OPERATION"
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeAccountPending      = "ACCOUNT_PENDING"
	ErrCodeAccountRejected     = "ACCOUNT_REJECTED"
	ErrCodeInvalidToken        = "INVALID_TOKEN"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewEntityNotFoundError は対象が見つからない場合のエラーを生成する。
// ステータスゲートで弾かれた場合もこのエラーを使い、状態を推測させない。
func NewEntityNotFoundError(entity string) *APIError {
	return &APIError{
		Code:     ErrCodeEntityNotFound,
		Message:  fmt.Sprintf("%sが見つかりません。", entity),
		Category: "validation",
		Action:   "指定したIDを確認してください。",
	}
}

// NewEntityAlreadyExistsError は一意制約違反のエラーを生成する。
func NewEntityAlreadyExistsError(entity string) *APIError {
	return &APIError{
		Code:     ErrCodeEntityAlreadyExists,
		Message:  fmt.Sprintf("%sは既に存在します。", entity),
		Category: "validation",
		Action:   "別の値を指定してください。",
	}
}

// NewValidationError は入力値不正のエラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnauthorizedError はセッションが無い、または無効な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足のエラーを生成する。
// 操作者自身のロールは秘密ではないため、不足している権限を明示する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  reason,
		Category: "auth",
		Action:   "チームのOwnerまたはAdministratorに依頼してください。",
	}
}

// NewInvalidOperationError は状態遷移違反のエラーを生成する。
func NewInvalidOperationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOperation,
		Message:  reason,
		Category: "team",
		Action:   "現在の状態を確認してから再度お試しください。",
	}
}

// NewLastOwnerError は最後のOwnerを失う操作のエラーを生成する。
func NewLastOwnerError() *APIError {
	return NewInvalidOperationError("チームには少なくとも1人のOwnerが必要です。")
}

// NewInvalidCredentialsError はログイン失敗のエラーを生成する。
// メールアドレスの存在有無とパスワード誤りを区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認してください。",
	}
}

// NewAccountPendingError は承認待ちアカウントのログインエラーを生成する。
func NewAccountPendingError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountPending,
		Message:  "アカウントは管理者の承認待ち（pending approval）です。",
		Category: "auth",
		Action:   "管理者による承認をお待ちください。",
	}
}

// NewAccountRejectedError は却下されたアカウントのログインエラーを生成する。
func NewAccountRejectedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountRejected,
		Message:  "アカウントの利用申請は却下されました。",
		Category: "auth",
		Action:   "管理者にお問い合わせください。",
	}
}

// NewInvalidTokenError はトークンが存在しない、または期限切れの場合のエラーを生成する。
// どちらの理由かは区別しない。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "トークンが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "もう一度手続きをやり直してください。",
	}
}

// NewInternalError は内部エラーのレスポンス用エラーを生成する。
// 詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
