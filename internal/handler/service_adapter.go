package handler

import (
	"context"

	"github.com/hitoshi/teamgate/internal/account"
	"github.com/hitoshi/teamgate/internal/auth"
	"github.com/hitoshi/teamgate/internal/model"
)

// UserServiceAdapter は account.Service と auth.Service を UserServiceInterface に適合させるアダプタ。
// 公開鍵の登録は検証メールの送信を伴うため auth.Service に委譲する。
type UserServiceAdapter struct {
	accounts *account.Service
	auth     *auth.Service
}

// NewUserServiceAdapter はUserServiceAdapterを生成する。
func NewUserServiceAdapter(accounts *account.Service, authService *auth.Service) *UserServiceAdapter {
	return &UserServiceAdapter{accounts: accounts, auth: authService}
}

// RegenerateAPIKey はAPIキーを再発行する。
func (a *UserServiceAdapter) RegenerateAPIKey(ctx context.Context, user *model.User) (string, error) {
	return a.accounts.RegenerateAPIKey(ctx, user)
}

// Delete はアカウントを削除する。
func (a *UserServiceAdapter) Delete(ctx context.Context, user *model.User) error {
	return a.accounts.Delete(ctx, user)
}

// UpdatePublicKey は公開鍵を登録し、検証メールを送信する。
func (a *UserServiceAdapter) UpdatePublicKey(ctx context.Context, user *model.User, kind model.KeyKind, key string) error {
	return a.auth.UpdatePublicKey(ctx, user, kind, auth.KeyParams{Key: key})
}
