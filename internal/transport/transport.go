package transport

import (
	"context"
	"fmt"

	"github.com/newsroom/courier"
	"github.com/newsroom/courier/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const ModeSMTP = "smtp"
const ModeGmail = "gmail"

var metricSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "courier_emails_sent_total",
	Help: "Number of emails transferred by transport mode.",
}, []string{"transport"})

type Config struct {
	Mode        string `cli:"transport-mode"`
	DefaultFrom string `cli:"default-from"`

	SMTPHost     string `cli:"smtp-host"`
	SMTPPort     int    `cli:"smtp-port"`
	SMTPUsername string `cli:"smtp-username"`
	SMTPPassword string `cli:"smtp-password"`

	GmailCredentialsFile string `cli:"gmail-credentials-file"`
	GmailImpersonate     string `cli:"gmail-impersonate"`
}

// Channel is an authorized mail sending channel. Send dispatches one message
// and returns the provider message id. Sending is not idempotent, two calls
// for the same payload produce two messages. A Channel is safe for use by
// concurrent task pipelines within a batch.
type Channel interface {
	Send(ctx context.Context, email *courier.Email) (string, error)
	Close() error
}

// ConfigError marks a provisioning failure as a deployment defect rather than
// a transient fault. It aborts a whole batch before any task is touched.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "transport configuration error: " + e.Reason
}

// Provisioner returns the channel factory for the configured credential
// variant. A channel is provisioned once per batch and shared across it.
func Provisioner(cfg Config, lc *tools.Logger) func(ctx context.Context) (Channel, error) {
	log := lc.New("transport")
	return func(ctx context.Context) (Channel, error) {
		switch cfg.Mode {
		case "", ModeSMTP:
			return provisionSMTP(cfg, log)
		case ModeGmail:
			return provisionGmail(ctx, cfg, log)
		}
		return nil, &ConfigError{Reason: fmt.Sprintf("unknown transport mode %q", cfg.Mode)}
	}
}
