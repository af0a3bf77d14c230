package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/modfin/henry/compare"
	"github.com/newsroom/courier"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// provisionGmail builds the delegated authority channel: a service account
// credential document impersonating a fixed sender address, granted the mail
// send scope. The channel is verified usable before it is handed out, a
// credential that parses but cannot act on the mailbox is still a
// configuration error.
func provisionGmail(ctx context.Context, cfg Config, log *logrus.Logger) (Channel, error) {
	if cfg.GmailCredentialsFile == "" {
		return nil, &ConfigError{Reason: "no service account credentials are configured"}
	}
	if cfg.GmailImpersonate == "" {
		return nil, &ConfigError{Reason: "no impersonation address is configured"}
	}

	data, err := os.ReadFile(cfg.GmailCredentialsFile)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("could not read credentials file: %v", err)}
	}

	jcfg, err := google.JWTConfigFromJSON(data, gmail.GmailSendScope)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("could not parse service account credentials: %v", err)}
	}
	if jcfg.Email == "" || len(jcfg.PrivateKey) == 0 {
		return nil, &ConfigError{Reason: "credential document is missing client_email or private_key"}
	}
	jcfg.Subject = cfg.GmailImpersonate

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(jcfg.Client(ctx)))
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("could not build gmail service: %v", err)}
	}

	_, err = svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("channel verification failed for %s: %v", cfg.GmailImpersonate, err)}
	}

	log.WithField("impersonate", cfg.GmailImpersonate).Debug("provisioned gmail channel")

	return &gmailChannel{
		svc:         svc,
		defaultFrom: compare.Coalesce(cfg.DefaultFrom, cfg.GmailImpersonate),
		log:         log,
	}, nil
}

type gmailChannel struct {
	svc         *gmail.Service
	defaultFrom string
	log         *logrus.Logger
}

func (c *gmailChannel) Send(ctx context.Context, email *courier.Email) (string, error) {
	m, _ := compose(email, c.defaultFrom)

	buff := &bytes.Buffer{}
	_, err := m.WriteTo(buff)
	if err != nil {
		return "", fmt.Errorf("could not marshal email: %w", err)
	}

	res, err := c.svc.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.RawURLEncoding.EncodeToString(buff.Bytes()),
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail transfer failed: %w", err)
	}

	metricSent.WithLabelValues(ModeGmail).Inc()
	c.log.WithField("message_id", res.Id).Debug("transferred email over gmail")
	return res.Id, nil
}

func (c *gmailChannel) Close() error {
	return nil
}
