// Package account はアカウントの登録・認証・承認とCredential Storeの操作を提供する。
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/teamgate/internal/metrics"
	"github.com/hitoshi/teamgate/internal/model"
	"github.com/hitoshi/teamgate/internal/repository"
	"github.com/hitoshi/teamgate/internal/security"
)

// adminTeamDescription は初回登録時に作成する管理チームの説明。
const adminTeamDescription = "System Administrators"

// MembershipFinder は管理チームのメンバーシップ検索インターフェース。
type MembershipFinder interface {
	FindMembershipByTeamName(ctx context.Context, teamName string, userID int64) (*model.Membership, error)
}

// Config はServiceの設定。
type Config struct {
	AdminTeamName string
	BcryptCost    int
}

// Service はアカウントのサービス層。
type Service struct {
	users       repository.UserRepository
	memberships MembershipFinder
	hasher      *PasswordHasher
	sanitizer   security.TextSanitizer
	config      Config
	metrics     metrics.MetricsCollector
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	users repository.UserRepository,
	memberships MembershipFinder,
	sanitizer security.TextSanitizer,
	config Config,
	m metrics.MetricsCollector,
) *Service {
	return &Service{
		users:       users,
		memberships: memberships,
		hasher:      NewPasswordHasher(config.BcryptCost),
		sanitizer:   sanitizer,
		config:      config,
		metrics:     metrics.OrNop(m),
	}
}

// Register はアカウントを作成する。
// 最初のアカウントはApprovedとなり管理チームのOwnerになる。それ以外はNewで作成される。
func (s *Service) Register(ctx context.Context, params RegisterParams) (*model.User, error) {
	params.Normalize()
	params.Name = s.sanitizer.PlainText(params.Name)
	if err := params.Validate(); err != nil {
		return nil, toValidationError(err)
	}

	hash, err := s.hasher.Hash(params.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := &model.User{
		PID:          uuid.NewString(),
		Email:        params.Email,
		Name:         params.Name,
		PasswordHash: hash,
		APIKey:       uuid.NewString(),
		Status:       model.UserStatusNew,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	desc := adminTeamDescription
	adminTeam := &model.Team{
		PID:         uuid.NewString(),
		Name:        s.config.AdminTeamName,
		Slug:        model.Slugify(s.config.AdminTeamName),
		Description: &desc,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.users.Create(ctx, user, adminTeam); err != nil {
		var dup *repository.DuplicateError
		if errors.As(err, &dup) {
			return nil, model.NewEntityAlreadyExistsError(duplicateLabel(dup.Field))
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.metrics.RecordRegistration(user.Status.String())
	slog.Info("user registered",
		slog.String("user_pid", user.PID),
		slog.String("status", user.Status.String()),
	)
	return user, nil
}

func duplicateLabel(field string) string {
	switch field {
	case "email":
		return "メールアドレス"
	case "name":
		return "表示名"
	}
	return "アカウント"
}

// Authenticate はメールアドレスとパスワードでユーザーを認証する。
// 承認待ち・却下の区別はパスワードの照合に成功した後でのみ返す。
func (s *Service) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	user, err := s.users.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		s.hasher.VerifyDummy(password)
		s.metrics.RecordAuthAttempt("password", metrics.ResultFailure)
		return nil, model.NewInvalidCredentialsError()
	}
	if !s.hasher.Verify(user.PasswordHash, password) {
		s.metrics.RecordAuthAttempt("password", metrics.ResultFailure)
		return nil, model.NewInvalidCredentialsError()
	}

	switch user.Status {
	case model.UserStatusApproved:
		s.metrics.RecordAuthAttempt("password", metrics.ResultSuccess)
		return user, nil
	case model.UserStatusRejected:
		s.metrics.RecordAuthAttempt("password", metrics.ResultDenied)
		return nil, model.NewAccountRejectedError()
	default:
		s.metrics.RecordAuthAttempt("password", metrics.ResultDenied)
		return nil, model.NewAccountPendingError()
	}
}

// FindByEmail はステータスを問わずメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (s *Service) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := s.users.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// FindApprovedByPID はApprovedのユーザーを公開IDで取得する。
// それ以外のステータスは存在しない場合と同じくEntityNotFoundになる。
func (s *Service) FindApprovedByPID(ctx context.Context, pid string) (*model.User, error) {
	user, err := s.users.FindApprovedByPID(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewEntityNotFoundError("ユーザー")
	}
	return user, nil
}

// FindApprovedByAPIKey はApprovedのユーザーをAPIキーで取得する。
func (s *Service) FindApprovedByAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	user, err := s.users.FindApprovedByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewEntityNotFoundError("ユーザー")
	}
	return user, nil
}

// FindApprovedByEmail はApprovedのユーザーをメールアドレスで取得する。見つからない場合はnilを返す。
func (s *Service) FindApprovedByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := s.FindByEmail(ctx, email)
	if err != nil || user == nil || !user.IsApproved() {
		return nil, err
	}
	return user, nil
}

// UpdatePassword はパスワードを検証してハッシュを置き換える。
func (s *Service) UpdatePassword(ctx context.Context, user *model.User, params PasswordParams) error {
	if err := params.Validate(); err != nil {
		return toValidationError(err)
	}
	hash, err := s.hasher.Hash(params.Password)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	user.PasswordHash = hash
	return nil
}

// RegenerateAPIKey はAPIキーを新しい値に置き換えて返す。
func (s *Service) RegenerateAPIKey(ctx context.Context, user *model.User) (string, error) {
	key := uuid.NewString()
	if err := s.users.UpdateAPIKey(ctx, user.ID, key); err != nil {
		return "", fmt.Errorf("failed to update api key: %w", err)
	}
	user.APIKey = key
	slog.Info("api key regenerated", slog.String("user_pid", user.PID))
	return key, nil
}

// SetPublicKey は公開鍵を保存する。保存した鍵は未検証の状態になる。
func (s *Service) SetPublicKey(ctx context.Context, user *model.User, kind model.KeyKind, armored string) error {
	if err := s.users.SetPublicKey(ctx, user.ID, kind, armored); err != nil {
		return fmt.Errorf("failed to set %s key: %w", kind, err)
	}
	switch kind {
	case model.KeyPGP:
		user.PGPKey, user.PGPVerifiedAt = &armored, nil
	case model.KeyGPG:
		user.GPGKey, user.GPGVerifiedAt = &armored, nil
	}
	return nil
}

// Delete はアカウントを削除する。唯一のOwnerであるチームがある場合は削除できない。
func (s *Service) Delete(ctx context.Context, user *model.User) error {
	if err := s.users.DeleteByID(ctx, user.ID); err != nil {
		if errors.Is(err, repository.ErrLastOwner) {
			return model.NewInvalidOperationError("唯一のOwnerであるチームがあるため削除できません。先に他のメンバーをOwnerにしてください。")
		}
		return fmt.Errorf("failed to delete user: %w", err)
	}
	slog.Info("user deleted", slog.String("user_pid", user.PID))
	return nil
}

// IsSystemAdmin はuserが管理チームのアクティブなOwnerまたはAdministratorかを返す。
func (s *Service) IsSystemAdmin(ctx context.Context, user *model.User) (bool, error) {
	m, err := s.memberships.FindMembershipByTeamName(ctx, s.config.AdminTeamName, user.ID)
	if err != nil {
		return false, fmt.Errorf("failed to find admin membership: %w", err)
	}
	return m != nil && !m.Pending && m.Role.IsAtLeast(model.RoleAdministrator), nil
}

// ListByStatus は指定ステータスのユーザー一覧を返す。
func (s *Service) ListByStatus(ctx context.Context, status model.UserStatus) ([]*model.User, error) {
	users, err := s.users.ListByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// CountPending は承認待ちのユーザー数を返す。
func (s *Service) CountPending(ctx context.Context) (int, error) {
	n, err := s.users.CountByStatus(ctx, model.UserStatusNew)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending users: %w", err)
	}
	return n, nil
}

// Approve はNewのユーザーをApprovedにする。
func (s *Service) Approve(ctx context.Context, pid string) (*model.User, error) {
	return s.transition(ctx, pid, model.UserStatusApproved)
}

// Reject はNewのユーザーをRejectedにする。
func (s *Service) Reject(ctx context.Context, pid string) (*model.User, error) {
	return s.transition(ctx, pid, model.UserStatusRejected)
}

func (s *Service) transition(ctx context.Context, pid string, to model.UserStatus) (*model.User, error) {
	user, err := s.users.FindByPID(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewEntityNotFoundError("ユーザー")
	}
	if !user.Status.CanTransitionTo(to) {
		return nil, model.NewInvalidOperationError(fmt.Sprintf("%sのアカウントを%sにはできません。", user.Status, to))
	}

	// 同時に別の管理者が遷移させた場合は更新されない
	ok, err := s.users.UpdateStatus(ctx, user.ID, user.Status, to)
	if err != nil {
		return nil, fmt.Errorf("failed to update user status: %w", err)
	}
	if !ok {
		return nil, model.NewInvalidOperationError("アカウントの状態が変更されています。再読み込みしてください。")
	}

	user.Status = to
	slog.Info("user status changed",
		slog.String("user_pid", user.PID),
		slog.String("status", to.String()),
	)
	return user, nil
}
