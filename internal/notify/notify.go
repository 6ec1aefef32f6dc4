// Package notify delivers issued license keys to their owners through an
// email relay. Delivery is best-effort: the license record is already
// durable when a notifier runs, and a failed send never rolls issuance
// back. Callers log failures and move on.
package notify

import (
	"context"
	"log/slog"

	"keygate/internal/config"
	"keygate/internal/license"
)

// Message is one license-key delivery.
type Message struct {
	RecipientEmail string
	RecipientName  string
	LicenseKey     string
}

// Notifier sends a license key to its owner.
type Notifier interface {
	SendLicenseKey(ctx context.Context, msg Message) error
}

// New selects the notifier for the configuration. Without an endpoint the
// log notifier stands in, which keeps local and test deployments working
// with no relay available.
func New(cfg config.NotifyConfig, logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		return NewLogNotifier(logger)
	}
	return NewRelayNotifier(cfg, logger)
}

// LogNotifier records that a delivery would have happened. The key itself
// is masked; logs are not a delivery channel.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With(slog.String("component", "notify.log"))}
}

func (n *LogNotifier) SendLicenseKey(ctx context.Context, msg Message) error {
	n.logger.InfoContext(ctx, "license key delivery skipped, no relay configured",
		slog.String("recipient", msg.RecipientEmail),
		slog.String("license_key", license.MaskKey(msg.LicenseKey)))
	return nil
}
