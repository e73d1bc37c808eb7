package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// Message は送信するメール。本文はプレーンテキスト。
type Message struct {
	To      string
	Subject string
	Body    string
}

// Transport はメールの送信手段。
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPTransport はSMTPでメールを送信する。
type SMTPTransport struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now      func() time.Time
}

// NewSMTPTransport はSMTPTransportを生成する。
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}
}

// Send はメールを1回だけ送信する。失敗時の再送は行わない。
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	if err := t.sendMail(addr, auth, t.cfg.From, []string{sanitizeHeader(msg.To)}, t.build(msg)); err != nil {
		return fmt.Errorf("failed to send mail via %s: %w", addr, err)
	}
	return nil
}

// build はRFC 5322形式のメッセージを組み立てる。
// 件名はUTF-8のMIMEエンコードワードにする。
func (t *SMTPTransport) build(msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + t.cfg.From + "\r\n")
	b.WriteString("To: " + sanitizeHeader(msg.To) + "\r\n")
	b.WriteString("Subject: " + encodeSubject(msg.Subject) + "\r\n")
	b.WriteString("Date: " + t.now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// sanitizeHeader はヘッダーインジェクションを防ぐため改行を取り除く。
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func encodeSubject(s string) string {
	return mime.QEncoding.Encode("utf-8", sanitizeHeader(s))
}

// LogTransport はメールを送信せずにログへ出力する。SMTP未設定の環境で使う。
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport はLogTransportを生成する。
func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

// Send はメールの宛先と件名をログに記録する。本文はトークンを含むためdebugレベルでのみ出力する。
func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	t.logger.InfoContext(ctx, "mail not sent (SMTP disabled)",
		slog.String("subject", msg.Subject),
	)
	t.logger.DebugContext(ctx, "mail body",
		slog.String("to", msg.To),
		slog.String("body", msg.Body),
	)
	return nil
}
