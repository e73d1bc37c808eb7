package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/teamgate/internal/account"
	"github.com/hitoshi/teamgate/internal/auth"
	"github.com/hitoshi/teamgate/internal/config"
	"github.com/hitoshi/teamgate/internal/database"
	"github.com/hitoshi/teamgate/internal/handler"
	"github.com/hitoshi/teamgate/internal/logger"
	"github.com/hitoshi/teamgate/internal/mailer"
	"github.com/hitoshi/teamgate/internal/metrics"
	"github.com/hitoshi/teamgate/internal/middleware"
	"github.com/hitoshi/teamgate/internal/model"
	"github.com/hitoshi/teamgate/internal/pgp"
	"github.com/hitoshi/teamgate/internal/repository"
	"github.com/hitoshi/teamgate/internal/security"
	"github.com/hitoshi/teamgate/internal/session"
	"github.com/hitoshi/teamgate/internal/sshkey"
	"github.com/hitoshi/teamgate/internal/team"
	"github.com/hitoshi/teamgate/internal/token"
	"github.com/hitoshi/teamgate/internal/worker/cleanup"
)

// dbRetryBase はDB接続待ちの指数バックオフの初期間隔。
const dbRetryBase = 500 * time.Millisecond

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to set log level: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	var migrateOpts MigrateOptions
	if cmd == CommandMigrate {
		opts, err := ParseMigrateOptions(args[1:])
		if err != nil {
			return err
		}
		migrateOpts = opts
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, migrateOpts)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、応答するまで待機する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.WaitForReady(ctx, db, cfg.DBConnectRetries, dbRetryBase); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// newMailTransport はSMTP設定があればSMTP、なければログ出力のトランスポートを返す。
func newMailTransport(cfg *config.Config) mailer.Transport {
	if !cfg.SMTPEnabled() {
		slog.Warn("SMTP is not configured, mails are written to the log")
		return mailer.NewLogTransport(slog.Default())
	}
	return mailer.NewSMTPTransport(mailer.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	})
}

// newRegistry はアプリケーション用のPrometheusレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. リポジトリとメトリクス
	userRepo := repository.NewPostgresUserRepo(db)
	teamRepo := repository.NewPostgresTeamRepo(db)
	sshKeyRepo := repository.NewPostgresSSHKeyRepo(db)

	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	sanitizer := security.NewTextSanitizer()

	// 3. メール送信
	renderer, err := mailer.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to load mail templates: %w", err)
	}
	encryptor := pgp.NewEncryptor()
	notifier := mailer.NewNotifier(newMailTransport(cfg), renderer, encryptor, cfg.BaseURL, collector)

	// 4. ドメインサービスの初期化
	accountService := account.NewService(userRepo, teamRepo, sanitizer, account.Config{
		AdminTeamName: cfg.AdminTeamName,
	}, collector)

	tokenIssuer := token.NewIssuer(userRepo, token.TTLs{
		model.TokenMagicLink:     cfg.MagicLinkTTL,
		model.TokenPasswordReset: cfg.ResetTokenTTL,
	})
	sessionIssuer := session.NewIssuer([]byte(cfg.JWTSecret), cfg.JWTTTL, cfg.JWTIssuer)

	authService := auth.NewService(accountService, tokenIssuer, sessionIssuer, notifier, encryptor, auth.Config{
		MagicLinkAllowedDomains: cfg.MagicLinkAllowedDomains,
	}, collector)

	teamService := team.NewService(teamRepo, userRepo, notifier, sanitizer, team.Config{
		AdminTeamName: cfg.AdminTeamName,
		InvitationTTL: cfg.InvitationTTL,
	}, collector)

	sshKeyService := sshkey.NewService(sshKeyRepo, sanitizer)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),
		HealthChecker:     db,
		Authenticator:     authService,
		AdminChecker:      accountService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		HSTS:        cfg.CookieSecure,
		RateLimiter: rateLimiter,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},

		UserService:   handler.NewUserServiceAdapter(accountService, authService),
		SSHKeyService: sshKeyService,
		TeamService:   teamService,
		AdminService:  accountService,
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-stop:
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れトークンと招待のクリーンアップを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	collector := metrics.NewCollector(newRegistry())

	job := cleanup.NewCleanupJob(db, slog.Default(), cleanup.Config{
		InvitationTTL: cfg.InvitationTTL,
		MagicLinkTTL:  cfg.MagicLinkTTL,
		ResetTTL:      cfg.ResetTokenTTL,
	}, collector)

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// メインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 既定ではすべての未適用マイグレーションを順番に適用し、
// opts.Downの場合はopts.Steps件を巻き戻す。
func runMigrate(cfg *config.Config, opts MigrateOptions) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Bool("down", opts.Down),
		slog.Int("steps", opts.Steps),
	)

	var err error
	switch {
	case opts.Down:
		err = database.MigrateSteps(cfg.DatabaseURL, -opts.Steps)
	case opts.Steps > 0:
		err = database.MigrateSteps(cfg.DatabaseURL, opts.Steps)
	default:
		err = database.RunMigrations(cfg.DatabaseURL)
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
