// Package email delivers operational alerts via SMTP.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// To receives alerts.
	To []string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service sends alerts by mail, or logs them when SMTP is not configured.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
	log    *slog.Logger
}

// NewService creates a new email service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
		log:    logger.With("component", "alerts"),
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != "" && len(s.config.To) > 0
}

// Alert mails subject and body to the configured recipients. Without SMTP
// the alert is written to the log at ERROR and nil is returned.
func (s *Service) Alert(ctx context.Context, subject, body string) error {
	if !s.IsConfigured() {
		s.log.Error("alert", "subject", subject, "body", body)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := s.buildMessage(s.config.To, subject, body, time.Now())
	done := make(chan error, 1)
	go func() {
		done <- s.send(s.server, s.auth, s.config.From, s.config.To, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send alert: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send alert: %w", ctx.Err())
	}
}

func (s *Service) buildMessage(to []string, subject, body string, now time.Time) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	return []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Date: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		sanitizeHeader(subject),
		now.Format(time.RFC1123Z),
		strings.ReplaceAll(body, "\n", "\r\n"),
	))
}

// sanitizeHeader keeps a header value on one line.
func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
