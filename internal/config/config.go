package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/sethvargo/go-envconfig"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL      string `env:"DATABASE_URL,required"`
	DBConnectRetries uint64 `env:"DB_CONNECT_RETRIES,default=5"`

	// Session (JWT)
	JWTSecret string        `env:"JWT_SECRET,required"`
	JWTTTL    time.Duration `env:"JWT_TTL,default=24h"`
	JWTIssuer string        `env:"JWT_ISSUER,default=teamgate"`

	// Token
	MagicLinkTTL            time.Duration `env:"MAGIC_LINK_TTL,default=5m"`
	ResetTokenTTL           time.Duration `env:"RESET_TOKEN_TTL,default=1h"`
	InvitationTTL           time.Duration `env:"INVITATION_TTL,default=168h"`
	MagicLinkAllowedDomains []string      `env:"MAGIC_LINK_ALLOWED_DOMAINS"`

	// Team
	AdminTeamName string `env:"ADMIN_TEAM_NAME,default=Administrators"`

	// Rate Limit
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL,default=120"`
	RateLimitAuth    int `env:"RATE_LIMIT_AUTH,default=10"`

	// Mail
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT,default=587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	MailFrom     string `env:"MAIL_FROM,default=no-reply@teamgate.local"`

	// Worker
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL,default=1h"`

	// Logging
	LogLevel string `env:"LOG_LEVEL,default=info"`

	// Server
	ServerPort string `env:"SERVER_PORT,default=8080"`
	BaseURL    string `env:"BASE_URL,required"`

	// Cookie
	CookieSecure bool
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN,default=http://localhost:3000"`
}

// minJWTSecretLength はHS256の署名鍵として受け付ける最小バイト数。
const minJWTSecretLength = 32

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	return load(envconfig.OsLookuper())
}

func load(lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.ProcessWith(context.Background(), cfg, lookuper); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	for i, d := range cfg.MagicLinkAllowedDomains {
		cfg.MagicLinkAllowedDomains[i] = strings.ToLower(strings.TrimSpace(d))
	}

	return cfg, nil
}

func (c *Config) validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.JWTSecret, validation.Required, validation.Length(minJWTSecretLength, 0)),
		validation.Field(&c.BaseURL, validation.Required, is.URL),
		validation.Field(&c.JWTTTL, validation.Min(time.Minute)),
		validation.Field(&c.MagicLinkTTL, validation.Min(time.Second)),
		validation.Field(&c.ResetTokenTTL, validation.Min(time.Second)),
		validation.Field(&c.InvitationTTL, validation.Min(time.Second)),
		validation.Field(&c.AdminTeamName, validation.Required),
		validation.Field(&c.RateLimitGeneral, validation.Min(1)),
		validation.Field(&c.RateLimitAuth, validation.Min(1)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.MailFrom, validation.Required, is.Email),
	)
}

// SMTPEnabled はSMTP送信が設定されているかを返す。
// 未設定の場合、メールはログ出力のみとなる。
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}
