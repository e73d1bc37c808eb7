// Package auth は登録・ログイン・トークン消費などの認証フローを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/teamgate/internal/account"
	"github.com/hitoshi/teamgate/internal/metrics"
	"github.com/hitoshi/teamgate/internal/model"
	"github.com/hitoshi/teamgate/internal/session"
	"github.com/hitoshi/teamgate/internal/token"
)

// AccountService はアカウントの永続化と資格情報の照合を行う。account.Serviceが満たす。
type AccountService interface {
	Register(ctx context.Context, params account.RegisterParams) (*model.User, error)
	Authenticate(ctx context.Context, email, password string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindApprovedByEmail(ctx context.Context, email string) (*model.User, error)
	FindApprovedByPID(ctx context.Context, pid string) (*model.User, error)
	FindApprovedByAPIKey(ctx context.Context, apiKey string) (*model.User, error)
	UpdatePassword(ctx context.Context, user *model.User, params account.PasswordParams) error
	SetPublicKey(ctx context.Context, user *model.User, kind model.KeyKind, armored string) error
}

// TokenIssuer はワンショットトークンを発行・消費する。token.Issuerが満たす。
type TokenIssuer interface {
	Issue(ctx context.Context, user *model.User, kind model.TokenKind) (string, error)
	Consume(ctx context.Context, kind model.TokenKind, tok string) (*model.User, error)
	Peek(ctx context.Context, kind model.TokenKind, tok string) (*model.User, error)
	TTL(kind model.TokenKind) time.Duration
}

// SessionIssuer はセッショントークン（JWT）を発行・検証する。session.Issuerが満たす。
type SessionIssuer interface {
	Generate(user *model.User) (string, time.Time, error)
	Validate(tokenString string) (*session.Claims, error)
}

// Notifier は認証フローのメールを送信する。mailer.Notifierが満たす。
type Notifier interface {
	SendWelcome(ctx context.Context, user *model.User, verifyToken string) error
	SendPasswordReset(ctx context.Context, user *model.User, resetToken string, ttl time.Duration) error
	SendMagicLink(ctx context.Context, user *model.User, magicToken string, ttl time.Duration) error
	SendKeyVerification(ctx context.Context, user *model.User, kind model.KeyKind, armoredKey, verifyToken string) error
}

// KeyValidator は公開鍵が暗号化に使えるかを検証する。pgp.Encryptorが満たす。
type KeyValidator interface {
	Validate(armoredKey string) error
}

// Config は認証サービスの設定。
type Config struct {
	// MagicLinkAllowedDomains はマジックリンクを要求できるメールドメイン。空の場合は制限しない。
	MagicLinkAllowedDomains []string
}

// Session はログインの結果として返すセッション。
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      *model.User
}

// Service は認証に関するフローを提供する。
type Service struct {
	accounts AccountService
	tokens   TokenIssuer
	sessions SessionIssuer
	notifier Notifier
	keys     KeyValidator
	metrics  metrics.MetricsCollector

	// magicLinkDomains はnilの場合すべてのドメインを許可する。
	magicLinkDomains *regexp.Regexp
}

// NewService はServiceを生成する。ドメインの許可リストはここで1回だけコンパイルされる。
func NewService(
	accounts AccountService,
	tokens TokenIssuer,
	sessions SessionIssuer,
	notifier Notifier,
	keys KeyValidator,
	config Config,
	m metrics.MetricsCollector,
) *Service {
	return &Service{
		accounts:         accounts,
		tokens:           tokens,
		sessions:         sessions,
		notifier:         notifier,
		keys:             keys,
		metrics:          metrics.OrNop(m),
		magicLinkDomains: compileDomainPattern(config.MagicLinkAllowedDomains),
	}
}

func compileDomainPattern(domains []string) *regexp.Regexp {
	quoted := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(d))
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`^[^@\s]+@(?:` + strings.Join(quoted, "|") + `)$`)
}

// Register はアカウントを作成し、メール確認が必要な場合は確認リンク付きのウェルカムメールを送る。
// メール送信の失敗は登録を失敗させない。
func (s *Service) Register(ctx context.Context, params account.RegisterParams) (*model.User, error) {
	user, err := s.accounts.Register(ctx, params)
	if err != nil {
		return nil, err
	}
	if user.IsEmailVerified() {
		return user, nil
	}

	tok, err := s.issue(ctx, user, model.TokenEmailVerification)
	if err != nil {
		slog.Error("failed to issue email verification token",
			slog.String("user_pid", user.PID),
			slog.String("error", err.Error()),
		)
		return user, nil
	}
	if err := s.notifier.SendWelcome(ctx, user, tok); err != nil {
		slog.Warn("failed to send welcome mail",
			slog.String("user_pid", user.PID),
			slog.String("error", err.Error()),
		)
	}
	return user, nil
}

// Login はメールアドレスとパスワードで認証し、セッションを発行する。
func (s *Service) Login(ctx context.Context, params LoginParams) (*Session, error) {
	if err := params.Validate(); err != nil {
		return nil, model.NewInvalidCredentialsError()
	}
	user, err := s.accounts.Authenticate(ctx, params.Email, params.Password)
	if err != nil {
		return nil, err
	}
	return s.newSession(user)
}

// VerifyEmail はメール確認トークンを消費する。
func (s *Service) VerifyEmail(ctx context.Context, tok string) (*model.User, error) {
	return s.consume(ctx, model.TokenEmailVerification, tok)
}

// ForgotPassword はパスワード再設定トークンを発行してメールで送る。
// アカウントの有無を推測されないよう、対象が存在しない場合も成功として扱う。
func (s *Service) ForgotPassword(ctx context.Context, params EmailParams) error {
	params.Email = account.NormalizeEmail(params.Email)
	if err := params.Validate(); err != nil {
		return validationError(err)
	}
	user, err := s.accounts.FindByEmail(ctx, params.Email)
	if err != nil {
		return err
	}
	if user == nil {
		slog.Debug("password reset requested for unknown email", slog.String("email", params.Email))
		return nil
	}

	tok, err := s.issue(ctx, user, model.TokenPasswordReset)
	if err != nil {
		return err
	}
	if err := s.notifier.SendPasswordReset(ctx, user, tok, s.tokens.TTL(model.TokenPasswordReset)); err != nil {
		slog.Warn("failed to send password reset mail",
			slog.String("user_pid", user.PID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// ResetPassword はパスワード再設定トークンを消費してパスワードを置き換える。
// 入力が不正な場合はトークンを消費しない。
func (s *Service) ResetPassword(ctx context.Context, params ResetParams) error {
	if err := params.Validate(); err != nil {
		return validationError(err)
	}
	user, err := s.consume(ctx, model.TokenPasswordReset, params.Token)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdatePassword(ctx, user, params.passwordParams()); err != nil {
		return err
	}
	slog.Info("password reset", slog.String("user_pid", user.PID))
	return nil
}

// CheckResetToken はパスワード再設定トークンが有効かを消費せずに確認する。
// 無効または期限切れの場合はINVALID_TOKENを返す。
func (s *Service) CheckResetToken(ctx context.Context, tok string) error {
	if tok == "" {
		return model.NewInvalidTokenError()
	}
	_, err := s.tokens.Peek(ctx, model.TokenPasswordReset, tok)
	switch {
	case token.IsInvalid(err):
		return model.NewInvalidTokenError()
	case err != nil:
		return err
	}
	return nil
}

// RequestMagicLink はマジックリンクを発行してメールで送る。
// 許可リスト外のドメインは検証エラーとし、未登録や未承認のアカウントは成功として扱う。
func (s *Service) RequestMagicLink(ctx context.Context, params EmailParams) error {
	params.Email = account.NormalizeEmail(params.Email)
	if err := params.Validate(); err != nil {
		return validationError(err)
	}
	if s.magicLinkDomains != nil && !s.magicLinkDomains.MatchString(params.Email) {
		return model.NewValidationError("このメールアドレスのドメインではマジックリンクを利用できません")
	}

	user, err := s.accounts.FindApprovedByEmail(ctx, params.Email)
	if err != nil {
		return err
	}
	if user == nil {
		slog.Debug("magic link requested for unavailable account", slog.String("email", params.Email))
		return nil
	}

	tok, err := s.issue(ctx, user, model.TokenMagicLink)
	if err != nil {
		return err
	}
	if err := s.notifier.SendMagicLink(ctx, user, tok, s.tokens.TTL(model.TokenMagicLink)); err != nil {
		slog.Warn("failed to send magic link mail",
			slog.String("user_pid", user.PID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// ConsumeMagicLink はマジックリンクのトークンを消費してセッションを発行する。
func (s *Service) ConsumeMagicLink(ctx context.Context, tok string) (*Session, error) {
	user, err := s.consume(ctx, model.TokenMagicLink, tok)
	if err != nil {
		s.metrics.RecordAuthAttempt("magic_link", metrics.ResultInvalid)
		return nil, err
	}
	sess, err := s.newSession(user)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAuthAttempt("magic_link", metrics.ResultSuccess)
	return sess, nil
}

// UpdatePublicKey は公開鍵を保存し、その鍵で暗号化した確認リンクを送る。
// 確認が完了するまで鍵は未検証として扱われる。
func (s *Service) UpdatePublicKey(ctx context.Context, user *model.User, kind model.KeyKind, params KeyParams) error {
	params.Key = strings.TrimSpace(params.Key)
	if err := params.Validate(); err != nil {
		return validationError(err)
	}
	if err := s.keys.Validate(params.Key); err != nil {
		return model.NewValidationError(fmt.Sprintf("%s公開鍵が不正です: %s", strings.ToUpper(string(kind)), err.Error()))
	}
	if err := s.accounts.SetPublicKey(ctx, user, kind, params.Key); err != nil {
		return err
	}

	tok, err := s.issue(ctx, user, kind.VerificationToken())
	if err != nil {
		return err
	}
	if err := s.notifier.SendKeyVerification(ctx, user, kind, params.Key, tok); err != nil {
		return fmt.Errorf("failed to send %s key verification: %w", kind, err)
	}
	slog.Info("public key updated",
		slog.String("user_pid", user.PID),
		slog.String("kind", string(kind)),
	)
	return nil
}

// VerifyKey は公開鍵の確認トークンを消費する。
func (s *Service) VerifyKey(ctx context.Context, kind model.KeyKind, tok string) (*model.User, error) {
	return s.consume(ctx, kind.VerificationToken(), tok)
}

// ResolveSession はセッショントークンを検証し、承認済みのユーザーを引き直して返す。
// 署名が正しくてもユーザーが承認済みでなければUnauthorizedになる。
func (s *Service) ResolveSession(ctx context.Context, tokenString string) (*model.User, error) {
	claims, err := s.sessions.Validate(tokenString)
	if err != nil {
		slog.Debug("session token rejected", slog.String("error", err.Error()))
		s.metrics.RecordAuthAttempt("session", metrics.ResultInvalid)
		return nil, model.NewUnauthorizedError()
	}
	return s.resolve("session", func() (*model.User, error) {
		return s.accounts.FindApprovedByPID(ctx, claims.UserPID())
	})
}

// ResolveAPIKey はAPIキーから承認済みのユーザーを返す。
func (s *Service) ResolveAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	if apiKey == "" {
		return nil, model.NewUnauthorizedError()
	}
	return s.resolve("api_key", func() (*model.User, error) {
		return s.accounts.FindApprovedByAPIKey(ctx, apiKey)
	})
}

func (s *Service) resolve(method string, find func() (*model.User, error)) (*model.User, error) {
	user, err := find()
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeEntityNotFound {
			s.metrics.RecordAuthAttempt(method, metrics.ResultDenied)
			return nil, model.NewUnauthorizedError()
		}
		return nil, err
	}
	return user, nil
}

func (s *Service) newSession(user *model.User) (*Session, error) {
	signed, expiresAt, err := s.sessions.Generate(user)
	if err != nil {
		return nil, err
	}
	slog.Info("session issued", slog.String("user_pid", user.PID))
	return &Session{Token: signed, ExpiresAt: expiresAt, User: user}, nil
}

func (s *Service) issue(ctx context.Context, user *model.User, kind model.TokenKind) (string, error) {
	tok, err := s.tokens.Issue(ctx, user, kind)
	if err != nil {
		return "", err
	}
	s.metrics.RecordTokenIssued(string(kind))
	return tok, nil
}

// consume はトークンを消費する。存在しない・期限切れはどちらもINVALID_TOKENになる。
func (s *Service) consume(ctx context.Context, kind model.TokenKind, tok string) (*model.User, error) {
	if tok == "" {
		s.metrics.RecordTokenConsumed(string(kind), metrics.ResultInvalid)
		return nil, model.NewInvalidTokenError()
	}
	user, err := s.tokens.Consume(ctx, kind, tok)
	switch {
	case errors.Is(err, token.ErrExpired):
		s.metrics.RecordTokenConsumed(string(kind), metrics.ResultExpired)
		return nil, model.NewInvalidTokenError()
	case token.IsInvalid(err):
		s.metrics.RecordTokenConsumed(string(kind), metrics.ResultInvalid)
		return nil, model.NewInvalidTokenError()
	case err != nil:
		return nil, err
	}
	s.metrics.RecordTokenConsumed(string(kind), metrics.ResultSuccess)
	return user, nil
}
