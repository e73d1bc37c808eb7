// Package token はワンショットトークンの発行と消費を提供する。
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hitoshi/teamgate/internal/model"
)

var (
	// ErrNotFound はトークンが存在しない、または消費済みであることを表す。
	ErrNotFound = errors.New("token not found")

	// ErrExpired はトークンの有効期限切れを表す。期限切れのトークンも消費済みとなる。
	ErrExpired = errors.New("token expired")
)

// tokenBytes は生成するトークンのエントロピー（バイト数）。
const tokenBytes = 32

// Store はトークンの保存先。repository.UserRepositoryが満たす。
type Store interface {
	SetToken(ctx context.Context, id int64, kind model.TokenKind, token string, issuedAt time.Time) error
	ConsumeToken(ctx context.Context, kind model.TokenKind, token string, now time.Time) (*model.ConsumedToken, error)
	LookupToken(ctx context.Context, kind model.TokenKind, token string) (*model.ConsumedToken, error)
}

// TTLs はトークン種別ごとの有効期間。0の種別は時間による失効がない。
type TTLs map[model.TokenKind]time.Duration

// Issuer はワンショットトークンを発行・消費する。
type Issuer struct {
	store Store
	ttls  TTLs
	now   func() time.Time
	rand  io.Reader
}

// Option はIssuerの設定を変更する。
type Option func(*Issuer)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithRandom は乱数源を差し替える。
func WithRandom(r io.Reader) Option {
	return func(i *Issuer) { i.rand = r }
}

// NewIssuer はIssuerを生成する。
func NewIssuer(store Store, ttls TTLs, opts ...Option) *Issuer {
	i := &Issuer{
		store: store,
		ttls:  ttls,
		now:   time.Now,
		rand:  rand.Reader,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Generate は推測不可能なトークン文字列を生成する。
func Generate() (string, error) {
	return generate(rand.Reader)
}

func generate(r io.Reader) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue はuserにkindのトークンを発行して保存する。同種の既存トークンは無効になる。
func (i *Issuer) Issue(ctx context.Context, user *model.User, kind model.TokenKind) (string, error) {
	tok, err := generate(i.rand)
	if err != nil {
		return "", err
	}
	issuedAt := i.now().UTC()
	if err := i.store.SetToken(ctx, user.ID, kind, tok, issuedAt); err != nil {
		return "", fmt.Errorf("failed to store %s token: %w", kind, err)
	}
	return tok, nil
}

// Consume はトークンを消費し、持ち主のユーザーを返す。
// 期限切れの場合もトークンはクリアされ、ErrExpiredを返す。
func (i *Issuer) Consume(ctx context.Context, kind model.TokenKind, tok string) (*model.User, error) {
	now := i.now().UTC()
	consumed, err := i.store.ConsumeToken(ctx, kind, tok, now)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s token: %w", kind, err)
	}
	if consumed == nil {
		return nil, ErrNotFound
	}
	if ttl := i.ttls[kind]; ttl > 0 && consumed.IssuedAt.Add(ttl).Before(now) {
		return nil, ErrExpired
	}
	return consumed.User, nil
}

// Peek はトークンを消費せずに持ち主を返す。判定はConsumeと同じ。
// リンクを開いただけでトークンが失われないよう、入力前の事前確認に使う。
func (i *Issuer) Peek(ctx context.Context, kind model.TokenKind, tok string) (*model.User, error) {
	found, err := i.store.LookupToken(ctx, kind, tok)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s token: %w", kind, err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	if ttl := i.ttls[kind]; ttl > 0 && found.IssuedAt.Add(ttl).Before(i.now().UTC()) {
		return nil, ErrExpired
	}
	return found.User, nil
}

// TTL はkindの有効期間を返す。
func (i *Issuer) TTL(kind model.TokenKind) time.Duration {
	return i.ttls[kind]
}

// IsInvalid はerrが利用者に「無効または期限切れ」として返すべきエラーかを返す。
func IsInvalid(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired)
}
