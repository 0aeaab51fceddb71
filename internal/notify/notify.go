// Package notify はユーザーへのメール通知を提供する。
// SMTPサーバーが設定されていない環境ではログ出力のみを行う。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/smtp"
	"strings"
	"time"
)

// Sender は通知送信のインターフェース。
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// コンパイル時にインターフェースの実装を検証する。
var (
	_ Sender = (*SMTPSender)(nil)
	_ Sender = (*LogSender)(nil)
)

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
}

// sendMailFunc はsmtp.SendMailのシグネチャ。テストで差し替える。
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender はSMTPでプレーンテキストのメールを送信する。
type SMTPSender struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
	logger   *slog.Logger
}

// NewSMTPSender はSMTPSenderを生成する。
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	return &SMTPSender{cfg: cfg, sendMail: smtp.SendMail, logger: logger}
}

// Send はメールを1通送信する。
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("送信先メールアドレスが空です")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		host := s.cfg.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	}

	msg := buildMessage(s.cfg.From, to, subject, body)
	if err := s.sendMail(s.cfg.Addr, auth, s.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("メールの送信に失敗しました: %w", err)
	}
	s.logger.Info("メールを送信しました",
		slog.String("to", to),
		slog.String("subject", subject),
	)
	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// LogSender はメールを送信せずにログへ出力する。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send は通知内容をログに出力する。
func (s *LogSender) Send(ctx context.Context, to, subject, body string) error {
	s.logger.Info("通知を出力しました（SMTP未設定）",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("body", body),
	)
	return nil
}

// NewSender は設定に応じてSMTPSenderまたはLogSenderを返す。
func NewSender(cfg SMTPConfig, logger *slog.Logger) Sender {
	if cfg.Addr == "" {
		return NewLogSender(logger)
	}
	return NewSMTPSender(cfg, logger)
}

// Message は送信するメールの件名と本文。
type Message struct {
	Subject string
	Body    string
}

// SessionWarning は長時間稼働中のタイマーについての警告メッセージを返す。
func SessionWarning(name, issue string, elapsed time.Duration) Message {
	return Message{
		Subject: "タイマーが長時間動作しています",
		Body: fmt.Sprintf(
			"%s さん\n\nタイマー「%s」が %d 時間以上動作しています。\n作業が終わっている場合はタイマーを停止してください。\nこのまま動作を続けると、開始から8時間で自動的に停止されます。\n",
			name, issue, int(elapsed.Hours())),
	}
}

// Autostopped はタイマーを自動停止したことを知らせるメッセージを返す。
func Autostopped(name, issue string, elapsed time.Duration) Message {
	return Message{
		Subject: "タイマーを自動停止しました",
		Body: fmt.Sprintf(
			"%s さん\n\nタイマー「%s」は開始から %d 時間を超えたため自動的に停止しました。\n記録された作業時間を確認し、必要に応じて修正してください。\n",
			name, issue, int(elapsed.Hours())),
	}
}
