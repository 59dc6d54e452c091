package email

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	To   string
}

// Enabled reports whether enough configuration is present to send mail.
func Enabled(cfg SMTPConfig) bool {
	return strings.TrimSpace(cfg.User) != "" &&
		strings.TrimSpace(cfg.Pass) != "" &&
		strings.TrimSpace(cfg.To) != ""
}

// parseRecipients splits a comma/semicolon separated recipient list.
func parseRecipients(s string) ([]string, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("lista de destinatários vazia: %q", s)
	}
	return out, nil
}

// CheckConnection dials the server, exchanges EHLO/NOOP and quits, without
// authenticating. Useful as a preflight before a long run.
func CheckConnection(cfg SMTPConfig) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return err
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := c.Noop(); err != nil {
		_ = c.Close()
		return err
	}
	return c.Quit()
}

// CheckConnectionRequireAuth also negotiates STARTTLS and authenticates.
func CheckConnectionRequireAuth(cfg SMTPConfig) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return err
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return err
		}
	}
	auth := smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	if err := c.Auth(auth); err != nil {
		return err
	}
	return c.Quit()
}

// Send delivers a plain-text report to the configured recipients.
func Send(cfg SMTPConfig, subject, body string) error {
	rcpts, err := parseRecipients(cfg.To)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	auth := smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)

	msg := strings.Builder{}
	msg.WriteString("From: " + cfg.User + "\r\n")
	msg.WriteString("To: " + strings.Join(rcpts, ", ") + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	msg.WriteString("\r\n")

	return smtp.SendMail(addr, auth, cfg.User, rcpts, []byte(msg.String()))
}
