package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/modfin/henry/compare"
	"github.com/newsroom/courier"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// provisionSMTP builds the password based channel. A missing password is a
// deployment defect and fails straight away, there is nothing to retry.
func provisionSMTP(cfg Config, log *logrus.Logger) (Channel, error) {
	if cfg.SMTPHost == "" {
		return nil, &ConfigError{Reason: "no smtp host is configured"}
	}
	if cfg.SMTPPassword == "" {
		return nil, &ConfigError{Reason: "no smtp password is configured"}
	}

	dialer := gomail.NewDialer(cfg.SMTPHost, compare.Coalesce(cfg.SMTPPort, 587), cfg.SMTPUsername, cfg.SMTPPassword)
	sc, err := dialer.Dial()
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("could not dial smtp server %s: %v", cfg.SMTPHost, err)}
	}

	log.WithField("host", cfg.SMTPHost).Debug("provisioned smtp channel")

	return &smtpChannel{
		sc:          sc,
		defaultFrom: compare.Coalesce(cfg.DefaultFrom, cfg.SMTPUsername),
		log:         log,
	}, nil
}

type smtpChannel struct {
	// gomail send closers are single stream, concurrent task pipelines take
	// turns on the connection.
	mu          sync.Mutex
	sc          gomail.SendCloser
	defaultFrom string
	log         *logrus.Logger
}

func (c *smtpChannel) Send(ctx context.Context, email *courier.Email) (string, error) {
	m, id := compose(email, c.defaultFrom)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("smtp transfer aborted: %w", err)
	}

	err := gomail.Send(c.sc, m)
	if err != nil {
		return "", fmt.Errorf("smtp transfer failed: %w", err)
	}
	metricSent.WithLabelValues(ModeSMTP).Inc()
	c.log.WithField("message_id", id).Debug("transferred email over smtp")
	return id, nil
}

func (c *smtpChannel) Close() error {
	return c.sc.Close()
}
