// Package mailer はメールテンプレートの描画と送信を提供する。
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/teamgate/internal/metrics"
	"github.com/hitoshi/teamgate/internal/model"
)

// Encryptor は公開鍵でメール本文を暗号化する。pgp.Encryptorが満たす。
type Encryptor interface {
	Encrypt(armoredKey string, plaintext []byte) (string, error)
}

// WelcomeVars は登録完了メールの変数。
type WelcomeVars struct {
	Name      string
	VerifyURL string
}

// PasswordResetVars はパスワード再設定メールの変数。
type PasswordResetVars struct {
	Name      string
	ResetURL  string
	ExpiresIn string
}

// MagicLinkVars はマジックリンクメールの変数。
type MagicLinkVars struct {
	Name      string
	LoginURL  string
	ExpiresIn string
}

// InvitationVars はチーム招待メールの変数。
type InvitationVars struct {
	Name        string
	TeamName    string
	InviterName string
	Role        string
	AcceptURL   string
	ExpiresIn   string
}

// KeyVerificationVars は公開鍵確認メールの変数。
type KeyVerificationVars struct {
	Name      string
	KeyKind   string
	VerifyURL string
}

// Notifier は各フローのメールを組み立てて送信する。
type Notifier struct {
	transport Transport
	renderer  *Renderer
	encryptor Encryptor
	baseURL   string
	metrics   metrics.MetricsCollector
}

// NewNotifier はNotifierを生成する。baseURLはリンクの生成に使う。
func NewNotifier(transport Transport, renderer *Renderer, encryptor Encryptor, baseURL string, m metrics.MetricsCollector) *Notifier {
	return &Notifier{
		transport: transport,
		renderer:  renderer,
		encryptor: encryptor,
		baseURL:   strings.TrimRight(baseURL, "/"),
		metrics:   metrics.OrNop(m),
	}
}

// SendWelcome は登録完了とメールアドレス確認のメールを送信する。
func (n *Notifier) SendWelcome(ctx context.Context, user *model.User, verifyToken string) error {
	return n.send(ctx, user.Email, TemplateWelcome, WelcomeVars{
		Name:      user.Name,
		VerifyURL: n.baseURL + "/api/auth/verify/" + url.PathEscape(verifyToken),
	}, plaintext())
}

// SendPasswordReset はパスワード再設定メールを送信する。
// 検証済みのPGP鍵がある場合は本文を暗号化し、暗号化に失敗した場合は平文で送る。
func (n *Notifier) SendPasswordReset(ctx context.Context, user *model.User, resetToken string, ttl time.Duration) error {
	enc := plaintext()
	if user.HasVerifiedPGPKey() {
		enc = preferEncrypted(*user.PGPKey)
	}
	return n.send(ctx, user.Email, TemplatePasswordReset, PasswordResetVars{
		Name:      user.Name,
		ResetURL:  n.baseURL + "/api/auth/reset/" + url.PathEscape(resetToken),
		ExpiresIn: FormatDuration(ttl),
	}, enc)
}

// SendMagicLink はマジックリンクのメールを送信する。
func (n *Notifier) SendMagicLink(ctx context.Context, user *model.User, magicToken string, ttl time.Duration) error {
	return n.send(ctx, user.Email, TemplateMagicLink, MagicLinkVars{
		Name:      user.Name,
		LoginURL:  n.baseURL + "/api/auth/magic-link/" + url.PathEscape(magicToken),
		ExpiresIn: FormatDuration(ttl),
	}, plaintext())
}

// SendInvitation はチーム招待メールを送信する。
func (n *Notifier) SendInvitation(ctx context.Context, invitee *model.User, team *model.Team, inviter *model.User, role model.Role, invitationToken string, ttl time.Duration) error {
	return n.send(ctx, invitee.Email, TemplateInvitation, InvitationVars{
		Name:        invitee.Name,
		TeamName:    team.Name,
		InviterName: inviter.Name,
		Role:        role.String(),
		AcceptURL:   n.baseURL + "/api/invitations/" + url.PathEscape(invitationToken),
		ExpiresIn:   FormatDuration(ttl),
	}, plaintext())
}

// SendKeyVerification は公開鍵確認メールを、その公開鍵で暗号化して送信する。
// 暗号化できない場合は送信しない。
func (n *Notifier) SendKeyVerification(ctx context.Context, user *model.User, kind model.KeyKind, armoredKey, verifyToken string) error {
	return n.send(ctx, user.Email, TemplateKeyVerification, KeyVerificationVars{
		Name:      user.Name,
		KeyKind:   strings.ToUpper(string(kind)),
		VerifyURL: n.baseURL + "/api/verify/" + string(kind) + "/" + url.PathEscape(verifyToken),
	}, requireEncrypted(armoredKey))
}

// encryption は本文の暗号化方針。
type encryption struct {
	key      string
	required bool
}

func plaintext() encryption { return encryption{} }
func preferEncrypted(key string) encryption { return encryption{key: key} }
func requireEncrypted(key string) encryption { return encryption{key: key, required: true} }

func (n *Notifier) send(ctx context.Context, to, name string, vars any, enc encryption) error {
	subject, body, err := n.renderer.Render(name, vars)
	if err != nil {
		n.metrics.RecordMailDelivery(name, metrics.ResultFailure)
		return err
	}

	if enc.key != "" {
		encrypted, err := n.encryptor.Encrypt(enc.key, []byte(body))
		switch {
		case err == nil:
			body = encrypted
		case enc.required:
			n.metrics.RecordMailDelivery(name, metrics.ResultFailure)
			return fmt.Errorf("failed to encrypt %s mail: %w", name, err)
		default:
			slog.WarnContext(ctx, "mail encryption failed, sending plaintext",
				slog.String("template", name),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := n.transport.Send(ctx, Message{To: to, Subject: subject, Body: body}); err != nil {
		n.metrics.RecordMailDelivery(name, metrics.ResultFailure)
		return err
	}
	n.metrics.RecordMailDelivery(name, metrics.ResultSuccess)
	return nil
}

// FormatDuration はメール本文向けに有効期間を「5分」「1時間」「7日」の形式にする。
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "無期限"
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%d日", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%d時間", d/time.Hour)
	case d >= time.Minute:
		return fmt.Sprintf("%d分", d/time.Minute)
	default:
		return fmt.Sprintf("%d秒", d/time.Second)
	}
}
