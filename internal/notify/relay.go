package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"keygate/internal/config"
	"keygate/internal/license"
)

const relaySubject = "Your KeyGate license key"

// relayRequest is the wire shape the email relay accepts.
type relayRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// RelayNotifier posts deliveries to an HTTP email relay.
type RelayNotifier struct {
	endpoint string
	apiKey   string
	sender   string
	client   *http.Client
	logger   *slog.Logger
}

func NewRelayNotifier(cfg config.NotifyConfig, logger *slog.Logger) *RelayNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RelayNotifier{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		sender:   cfg.Sender,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: logger.With(slog.String("component", "notify.relay")),
	}
}

// SendLicenseKey builds the delivery email and posts it to the relay. Any
// non-2xx response is an error; the caller decides whether to log or retry,
// issuance is unaffected either way.
func (n *RelayNotifier) SendLicenseKey(ctx context.Context, msg Message) error {
	if msg.RecipientEmail == "" {
		return fmt.Errorf("notify: recipient email is empty")
	}
	if msg.LicenseKey == "" {
		return fmt.Errorf("notify: license key is empty")
	}

	payload, err := json.Marshal(relayRequest{
		From:    n.sender,
		To:      msg.RecipientEmail,
		Subject: relaySubject,
		Body:    renderBody(msg),
	})
	if err != nil {
		return fmt.Errorf("notify: encode relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "KeyGate-Notify/1.0")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("notify: relay returned status %d: %s", resp.StatusCode, string(body))
	}

	n.logger.InfoContext(ctx, "license key delivered",
		slog.String("recipient", msg.RecipientEmail),
		slog.String("license_key", license.MaskKey(msg.LicenseKey)))
	return nil
}

func renderBody(msg Message) string {
	name := msg.RecipientName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hello %s,\n\nYour license key is:\n\n    %s\n\nActivate it on the machine you want to use. The key binds to the first machine that activates it.\n", name, msg.LicenseKey)
}
