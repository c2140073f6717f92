// Package notify delivers verification and password reset links by email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
)

// Config holds SMTP settings. Links are built from AppURL.
type Config struct {
	Host       string `env:"HOST"`
	Port       int    `env:"PORT" envDefault:"587"`
	Username   string `env:"USERNAME"`
	Password   string `env:"PASSWORD"`
	From       string `env:"FROM"`
	AppURL     string `env:"APP_URL" envDefault:"http://localhost:3000"`
	MaxRetries uint64 `env:"MAX_RETRIES" envDefault:"3"`
}

// Enabled reports whether an SMTP host is configured.
func (c Config) Enabled() bool { return c.Host != "" }

func (c Config) validate() error {
	if c.Port == 0 {
		return errors.New("missing SMTP_PORT")
	}
	if c.From == "" {
		return errors.New("missing SMTP_FROM")
	}
	if _, err := url.Parse(c.AppURL); err != nil || c.AppURL == "" {
		return fmt.Errorf("invalid SMTP_APP_URL %q", c.AppURL)
	}
	return nil
}

// sender is satisfied by *gomail.Dialer.
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mailer implements auth.Notifier over SMTP.
type Mailer struct {
	cfg     Config
	sender  sender
	logger  *zap.SugaredLogger
	backoff func() backoff.BackOff
}

func NewMailer(cfg Config, logger *zap.SugaredLogger) (*Mailer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newMailer(cfg, gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), logger), nil
}

func newMailer(cfg Config, s sender, logger *zap.SugaredLogger) *Mailer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Mailer{
		cfg:    cfg,
		sender: s,
		logger: logger,
		backoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxElapsedTime = 30 * time.Second
			return bo
		},
	}
}

func (m *Mailer) SendVerification(ctx context.Context, a *entity.Account, token string, validFor time.Duration) error {
	link := m.link("/verify-email", token)
	body := fmt.Sprintf("Hi %s,\n\nConfirm your email address by opening the link below:\n\n%s\n\nThe link expires in %s.\n",
		a.Username, link, humanDuration(validFor))
	return m.send(ctx, a.Email, "Confirm your email address", body)
}

func (m *Mailer) SendPasswordReset(ctx context.Context, a *entity.Account, token string, validFor time.Duration) error {
	link := m.link("/reset-password", token)
	body := fmt.Sprintf("Hi %s,\n\nA password reset was requested for your account. Open the link below to choose a new password:\n\n%s\n\nThe link expires in %s. If you did not request this, ignore this email.\n",
		a.Username, link, humanDuration(validFor))
	return m.send(ctx, a.Email, "Reset your password", body)
}

func (m *Mailer) link(path, token string) string {
	return strings.TrimRight(m.cfg.AppURL, "/") + path + "?token=" + url.QueryEscape(token)
}

func (m *Mailer) send(ctx context.Context, to, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	attempt := 0
	op := func() error {
		attempt++
		if err := m.sender.DialAndSend(msg); err != nil {
			m.logger.Debugw("smtp send failed", "subject", subject, "attempt", attempt, "err", err)
			return err
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(m.backoff(), m.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("send %q: %w", subject, err)
	}
	return nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	case d >= time.Minute:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
