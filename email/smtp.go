package email

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// SMTPProvider sends emails through an SMTP relay with STARTTLS.
type SMTPProvider struct {
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger   *slog.Logger
	host     string
	username string
	password string
	fromAddr string
	fromName string
	port     int
}

// NewSMTPProvider creates a new SMTP email provider.
func NewSMTPProvider(host string, port int, username, password, fromAddr, fromName string, logger *slog.Logger) *SMTPProvider {
	return &SMTPProvider{
		sendMail: smtp.SendMail, // Upgrades to TLS via STARTTLS when the server offers it
		logger:   logger,
		host:     host,
		port:     port,
		username: username,
		password: password,
		fromAddr: fromAddr,
		fromName: fromName,
	}
}

// Send sends an email via SMTP.
func (p *SMTPProvider) Send(ctx context.Context, msg Message) error {
	to := sanitizeEmailHeader(msg.To)
	if _, err := mail.ParseAddress(to); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	from := (&mail.Address{Name: p.fromName, Address: p.fromAddr}).String()
	raw, err := buildMIME(from, msg, time.Now())
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(p.host, strconv.Itoa(p.port))
	auth := smtp.PlainAuth("", p.username, p.password, p.host)

	return retry.Do(
		func() error {
			p.logger.Info("SMTP send starting", "server", addr, "to", to, "subject", msg.Subject)

			startTime := time.Now()
			err := p.sendMail(addr, auth, p.fromAddr, []string{to}, raw)
			duration := time.Since(startTime)

			if err != nil {
				p.logger.Warn("SMTP send failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			p.logger.Info("SMTP send completed",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying SMTP email send after error", "attempt", n, "error", err)
		}),
	)
}
