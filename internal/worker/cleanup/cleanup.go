// Package cleanup は期限切れの招待とワンショットトークンを定期的に掃除するジョブを提供する。
// 有効期限の判定は消費時にも行われるため、このジョブは保存データの整理のみを担う。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/teamgate/internal/metrics"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Config は各対象の有効期間。
type Config struct {
	InvitationTTL time.Duration
	MagicLinkTTL  time.Duration
	ResetTTL      time.Duration
}

// sweep は1種類の掃除対象。
type sweep struct {
	target string
	query  string
	ttl    time.Duration
}

// CleanupJob は期限切れの招待とトークンを削除するジョブ。
// 各クエリは冪等であり、何度実行しても結果は変わらない。
type CleanupJob struct {
	db      Executor
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	sweeps  []sweep
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger, config Config, m metrics.MetricsCollector) *CleanupJob {
	return &CleanupJob{
		db:      db,
		logger:  logger,
		metrics: metrics.OrNop(m),
		sweeps: []sweep{
			{
				target: "invitation",
				query: `DELETE FROM team_memberships
				         WHERE pending AND invitation_sent_at < now() - $1::interval`,
				ttl: config.InvitationTTL,
			},
			{
				target: "magic_link_token",
				query: `UPDATE users
				           SET magic_link_token = NULL, magic_link_sent_at = NULL, updated_at = now()
				         WHERE magic_link_token IS NOT NULL AND magic_link_sent_at < now() - $1::interval`,
				ttl: config.MagicLinkTTL,
			},
			{
				target: "reset_token",
				query: `UPDATE users
				           SET reset_token = NULL, reset_sent_at = NULL, updated_at = now()
				         WHERE reset_token IS NOT NULL AND reset_sent_at < now() - $1::interval`,
				ttl: config.ResetTTL,
			},
		},
	}
}

// Start はintervalごとにRunを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("cleanup job started", slog.Duration("interval", interval))

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cleanup job stopped")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}
}

// Run はすべての対象を1回ずつ掃除する。
// 有効期間が0以下の対象はスキップする。途中で失敗した場合は残りを実行せずにエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	var total int64

	for _, s := range j.sweeps {
		if s.ttl <= 0 {
			continue
		}
		n, err := j.exec(ctx, s)
		if err != nil {
			return err
		}
		total += n
	}

	j.logger.Info("cleanup job completed",
		slog.Int64("deleted_count", total),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) exec(ctx context.Context, s sweep) (int64, error) {
	result, err := j.db.ExecContext(ctx, s.query, interval(s.ttl))
	if err != nil {
		j.logger.Error("cleanup query failed",
			slog.String("target", s.target),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to clean up %s: %w", s.target, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows for %s: %w", s.target, err)
	}

	j.metrics.RecordCleanupDeleted(s.target, n)
	if n > 0 {
		j.logger.Info("expired records cleaned up",
			slog.String("target", s.target),
			slog.Int64("count", n),
		)
	}
	return n, nil
}

// interval はPostgreSQLのinterval型として解釈できる文字列を返す。
func interval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}
