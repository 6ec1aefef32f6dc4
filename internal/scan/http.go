package scan

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
	"keygate/pkg/contracts/domain"
)

// classifyRequest is the wire shape posted to the classifier. Content is
// base64-encoded by encoding/json.
type classifyRequest struct {
	FileName string `json:"file_name"`
	Content  []byte `json:"content"`
}

// HTTPClassifier posts content to the classifier endpoint and decodes the
// verdict. It reports failures honestly; degradation is the Safe wrapper's
// job.
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPClassifier(cfg config.ScanConfig, logger *slog.Logger) *HTTPClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClassifier{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: logger.With(slog.String("component", "scan.http")),
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, fileName string, content []byte) (domain.ScanVerdict, error) {
	payload, err := json.Marshal(classifyRequest{FileName: fileName, Content: content})
	if err != nil {
		return domain.ScanVerdict{}, fmt.Errorf("scan: encode classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.ScanVerdict{}, fmt.Errorf("scan: create classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "KeyGate-Scan/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.ScanVerdict{}, fmt.Errorf("scan: classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ScanVerdict{}, fmt.Errorf("scan: read classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return domain.ScanVerdict{}, fmt.Errorf("scan: classifier returned status %d: %s", resp.StatusCode, msg)
	}

	var verdict domain.ScanVerdict
	if err := json.Unmarshal(body, &verdict); err != nil {
		return domain.ScanVerdict{}, fmt.Errorf("scan: decode classifier response: %w", err)
	}
	if verdict.ConfidenceScore < 0 || verdict.ConfidenceScore > 1 {
		return domain.ScanVerdict{}, fmt.Errorf("scan: classifier returned confidence %v outside [0,1]", verdict.ConfidenceScore)
	}

	c.logger.DebugContext(ctx, "content classified",
		slog.String("file_name", fileName),
		slog.Bool("is_malicious", verdict.IsMalicious),
		slog.Float64("confidence", verdict.ConfidenceScore))
	return verdict, nil
}
