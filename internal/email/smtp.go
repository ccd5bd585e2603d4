package email

import (
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("smtp not configured")

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

func buildMessage(from, to, subject, body string, now time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// SendText sends a plain-text mail through cfg.
func SendText(cfg SMTPConfig, to, subject, body string) error {
	if !cfg.Enabled() {
		return ErrNotConfigured
	}
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("email: header injection in recipient or subject")
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var a smtp.Auth
	if cfg.User != "" {
		a = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}
	return smtp.SendMail(addr, a, cfg.From, []string{to}, buildMessage(cfg.From, to, subject, body, time.Now()))
}

// Sender adapts SendText to a mailer interface.
type Sender struct {
	Cfg SMTPConfig
}

func (s Sender) SendText(to, subject, body string) error {
	return SendText(s.Cfg, to, subject, body)
}
