// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
	ResultInvalid = "invalid"
	ResultExpired = "expired"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・ミドルウェア・ワーカーから利用する。
type MetricsCollector interface {
	RecordAuthAttempt(method, result string)
	RecordRegistration(status string)
	RecordTokenIssued(kind string)
	RecordTokenConsumed(kind, result string)
	RecordTeamOperation(operation, result string)
	RecordMailDelivery(template, result string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordCleanupDeleted(target string, count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts   *prometheus.CounterVec
	registrations  *prometheus.CounterVec
	tokensIssued   *prometheus.CounterVec
	tokensConsumed *prometheus.CounterVec
	teamOperations *prometheus.CounterVec
	mailDeliveries *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
	cleanupDeleted *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamgate_auth_attempts_total",
			Help: "認証方式・結果別の認証試行数",
		}, []string{"method", "result"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamgate_registrations_total",
			Help: "登録時のステータス別ユーザー登録数",
		}, []string{"status"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamgate_tokens_issued_total",
			Help: "種別ごとのワンショットトークン発行数",
		}, []string{"kind"}),
		tokensConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamgate_tokens_consumed_total",
			Help: "種別・結果別のワンショットトークン消費数",
		}, []string{"kind", "result"}),
		teamOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamgate_team_operations_total",
			Help: "操作・結果別のチーム操作数",
		}, []string{"operation", "result"}),
		mailDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamgate_mail_deliveries_total",
			Help: "テンプレート・結果別のメール送信数",
		}, []string{"template", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamgate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "teamgate_request_latency_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamgate_cleanup_deleted_total",
			Help: "クリーンアップで削除・失効させた行数",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.registrations,
		c.tokensIssued,
		c.tokensConsumed,
		c.teamOperations,
		c.mailDeliveries,
		c.httpStatus,
		c.requestLatency,
		c.cleanupDeleted,
	)

	return c
}

// RecordAuthAttempt は認証試行を記録する。methodはpassword, magic_link, jwt, api_keyのいずれか。
func (c *Collector) RecordAuthAttempt(method, result string) {
	c.authAttempts.WithLabelValues(method, result).Inc()
}

// RecordRegistration はユーザー登録を記録する。
func (c *Collector) RecordRegistration(status string) {
	c.registrations.WithLabelValues(status).Inc()
}

// RecordTokenIssued はトークン発行を記録する。
func (c *Collector) RecordTokenIssued(kind string) {
	c.tokensIssued.WithLabelValues(kind).Inc()
}

// RecordTokenConsumed はトークン消費を記録する。
func (c *Collector) RecordTokenConsumed(kind, result string) {
	c.tokensConsumed.WithLabelValues(kind, result).Inc()
}

// RecordTeamOperation はチーム操作を記録する。
func (c *Collector) RecordTeamOperation(operation, result string) {
	c.teamOperations.WithLabelValues(operation, result).Inc()
}

// RecordMailDelivery はメール送信を記録する。
func (c *Collector) RecordMailDelivery(template, result string) {
	c.mailDeliveries.WithLabelValues(template, result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordCleanupDeleted はクリーンアップの処理件数を記録する。
func (c *Collector) RecordCleanupDeleted(target string, count int64) {
	c.cleanupDeleted.WithLabelValues(target).Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordAuthAttempt(string, string) {}
func (Nop) RecordRegistration(string) {}
func (Nop) RecordTokenIssued(string) {}
func (Nop) RecordTokenConsumed(string, string) {}
func (Nop) RecordTeamOperation(string, string) {}
func (Nop) RecordMailDelivery(string, string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordRequestLatency(time.Duration) {}
func (Nop) RecordCleanupDeleted(string, int64) {}

// OrNop はcがnilの場合にNopを返す。
func OrNop(c MetricsCollector) MetricsCollector {
	if c == nil {
		return Nop{}
	}
	return c
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
