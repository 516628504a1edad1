// Package notify delivers out-of-band alerts: e-mail to an administrator and an audible beep.
package notify

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// PolicyAlertEmail 策略表中的收件人，优先于配置中的默认收件人
const PolicyAlertEmail = "alert_email"

// Alerter 告警通道，尽力而为：失败只记录日志
type Alerter interface {
	SendAlert(ctx context.Context, subject, body string)
}

// PolicySource 用于读取收件人
type PolicySource interface {
	GetPolicies(ctx context.Context) (map[string]string, error)
}

// EmailConfig SMTP 设置
type EmailConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	SMTPServer    string `mapstructure:"smtp_server"`
	SMTPPort      int    `mapstructure:"smtp_port"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	FromAddr      string `mapstructure:"from_addr"`
	DefaultToAddr string `mapstructure:"default_to_addr"`
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailAlerter 通过 SMTP 发送告警邮件
type EmailAlerter struct {
	cfg      EmailConfig
	policies PolicySource
	send     SendFunc
	log      *zap.Logger
}

func NewEmailAlerter(cfg EmailConfig, policies PolicySource, logger *zap.Logger) *EmailAlerter {
	return &EmailAlerter{cfg: cfg, policies: policies, send: smtp.SendMail, log: logger.Named("notify")}
}

// WithSender replaces the SMTP transport.
func (e *EmailAlerter) WithSender(send SendFunc) *EmailAlerter {
	e.send = send
	return e
}

func (e *EmailAlerter) SendAlert(ctx context.Context, subject, body string) {
	if !e.cfg.Enabled {
		return
	}

	to := e.cfg.DefaultToAddr
	if e.policies != nil {
		p, err := e.policies.GetPolicies(ctx)
		if err != nil {
			e.log.Warn("Failed to read alert recipient from policies", zap.Error(err))
		} else if addr := strings.TrimSpace(p[PolicyAlertEmail]); addr != "" {
			to = addr
		}
	}
	if to == "" {
		e.log.Debug("No alert recipient configured", zap.String("subject", subject))
		return
	}

	addr := net.JoinHostPort(e.cfg.SMTPServer, strconv.Itoa(e.cfg.SMTPPort))
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPServer)
	}
	if err := e.send(addr, auth, e.cfg.FromAddr, []string{to}, buildMessage(e.cfg.FromAddr, to, subject, body)); err != nil {
		e.log.Error("Failed to send email alert", zap.String("to", to), zap.String("subject", subject), zap.Error(err))
		return
	}
	e.log.Info("📧 Alert sent", zap.String("to", to), zap.String("subject", subject))
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// Beeper 声音告警
type Beeper interface {
	Beep()
}

// TermBeeper 向终端写 BEL 字符
type TermBeeper struct {
	W io.Writer
}

func (b TermBeeper) Beep() {
	if b.W != nil {
		_, _ = b.W.Write([]byte{'\a'})
	}
}

type NoopBeeper struct{}

func (NoopBeeper) Beep() {}

type NoopAlerter struct{}

func (NoopAlerter) SendAlert(context.Context, string, string) {}
