// Package sshkey はユーザーのSSH公開鍵の登録・一覧・削除を提供する。
package sshkey

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/hitoshi/teamgate/internal/model"
	"github.com/hitoshi/teamgate/internal/repository"
	"github.com/hitoshi/teamgate/internal/security"
)

// minRSABits はRSA鍵として受け付ける最小の鍵長。
const minRSABits = 2048

// Service はSSH鍵の管理を行う。
type Service struct {
	keys      repository.SSHKeyRepository
	sanitizer security.TextSanitizer
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(keys repository.SSHKeyRepository, sanitizer security.TextSanitizer) *Service {
	return &Service{
		keys:      keys,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// List はuserの鍵を登録順に返す。
func (s *Service) List(ctx context.Context, user *model.User) ([]*model.SSHKey, error) {
	keys, err := s.keys.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ssh keys: %w", err)
	}
	return keys, nil
}

// Create はuserに鍵を登録する。
// 鍵はauthorized_keys形式として解析し、正規化した形とSHA256フィンガープリントで保存する。
// 同じユーザー内でラベルか鍵が重複する場合はENTITY_ALREADY_EXISTSになる。
func (s *Service) Create(ctx context.Context, user *model.User, params CreateParams) (*model.SSHKey, error) {
	params.Label = s.sanitizer.PlainText(params.Label)
	params.Key = strings.TrimSpace(params.Key)
	if err := params.Validate(); err != nil {
		return nil, model.NewValidationError(err.Error())
	}

	normalized, fingerprint, err := parseAuthorizedKey(params.Key)
	if err != nil {
		return nil, model.NewValidationError(err.Error())
	}

	now := s.now().UTC()
	key := &model.SSHKey{
		PID:         uuid.NewString(),
		UserID:      user.ID,
		Label:       params.Label,
		PublicKey:   normalized,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.keys.Create(ctx, key); err != nil {
		var dup *repository.DuplicateError
		if errors.As(err, &dup) {
			if dup.Field == "label" {
				return nil, model.NewEntityAlreadyExistsError("同じラベルのSSH鍵")
			}
			return nil, model.NewEntityAlreadyExistsError("同じSSH鍵")
		}
		return nil, fmt.Errorf("failed to create ssh key: %w", err)
	}

	slog.Info("ssh key added",
		slog.String("user_pid", user.PID),
		slog.String("key_pid", key.PID),
		slog.String("fingerprint", fingerprint),
	)
	return key, nil
}

// Delete はuserの鍵を削除する。他人の鍵や存在しない鍵はENTITY_NOT_FOUNDになる。
func (s *Service) Delete(ctx context.Context, user *model.User, keyPID string) error {
	removed, err := s.keys.DeleteByPID(ctx, user.ID, keyPID)
	if err != nil {
		return fmt.Errorf("failed to delete ssh key: %w", err)
	}
	if !removed {
		return model.NewEntityNotFoundError("SSH鍵")
	}

	slog.Info("ssh key removed",
		slog.String("user_pid", user.PID),
		slog.String("key_pid", keyPID),
	)
	return nil
}

// parseAuthorizedKey は1本の公開鍵を解析し、正規化した行とフィンガープリントを返す。
// オプション付きの行、複数行、DSA鍵、短いRSA鍵は受け付けない。
func parseAuthorizedKey(line string) (normalized, fingerprint string, err error) {
	pub, comment, options, rest, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", "", errors.New("key: not a valid SSH public key")
	}
	if len(options) > 0 {
		return "", "", errors.New("key: options are not allowed")
	}
	if len(strings.TrimSpace(string(rest))) > 0 {
		return "", "", errors.New("key: only one key can be registered at a time")
	}
	if pub.Type() == ssh.KeyAlgoDSA {
		return "", "", errors.New("key: DSA keys are not supported")
	}
	if ck, ok := pub.(ssh.CryptoPublicKey); ok {
		if rk, ok := ck.CryptoPublicKey().(*rsa.PublicKey); ok && rk.N.BitLen() < minRSABits {
			return "", "", fmt.Errorf("key: RSA keys must be at least %d bits", minRSABits)
		}
	}

	normalized = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		normalized += " " + comment
	}
	return normalized, ssh.FingerprintSHA256(pub), nil
}
