// Package email delivers out-of-band MFA codes by mail over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// ErrNotConfigured is returned when no server or sender address is set.
var ErrNotConfigured = errors.New("email: SMTP server not configured")

// SMTPSender sends codes through an SMTP relay. Authentication is used when Username is set.
type SMTPSender struct {
	Addr     string
	From     string
	Username string
	Password string
	Subject  string
	Timeout  time.Duration
}

// NewSMTPSender returns a sender for the relay at addr (host:port).
func NewSMTPSender(addr, from, username, password string) *SMTPSender {
	return &SMTPSender{
		Addr:     addr,
		From:     from,
		Username: username,
		Password: password,
		Subject:  "Your verification code",
		Timeout:  defaultTimeout,
	}
}

// Send mails code to the address to. The code is never included in errors.
func (s *SMTPSender) Send(ctx context.Context, to, code string) error {
	if s.Addr == "" || s.From == "" {
		return ErrNotConfigured
	}
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("email: invalid recipient: %w", err)
	}
	from, err := mail.ParseAddress(s.From)
	if err != nil {
		return fmt.Errorf("email: invalid sender: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok && s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("email: dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	host, _, _ := net.SplitHostPort(s.Addr)
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("email: handshake: %w", err)
	}
	defer func() { _ = c.Close() }()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("email: starttls: %w", err)
		}
	}
	if s.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.Username, s.Password, host)); err != nil {
			return fmt.Errorf("email: auth: %w", err)
		}
	}
	if err := c.Mail(from.Address); err != nil {
		return fmt.Errorf("email: mail from: %w", err)
	}
	if err := c.Rcpt(rcpt.Address); err != nil {
		return fmt.Errorf("email: rcpt: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("email: data: %w", err)
	}
	if _, err := w.Write(message(from.String(), rcpt.String(), s.Subject, code)); err != nil {
		return fmt.Errorf("email: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return c.Quit()
}

func message(from, to, subject, code string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString("Your verification code is " + code + ".\r\n")
	b.WriteString("It expires in a few minutes. If you did not request it, ignore this message.\r\n")
	return []byte(b.String())
}
