// Package scan classifies uploaded file content through an external
// classifier service. The classifier shares only the transport layer with
// the license lifecycle; its availability must never decide a caller's
// fate, so every failure path degrades to the benign verdict.
package scan

import (
	"context"
	"log/slog"

	"keygate/internal/config"
	"keygate/pkg/contracts/domain"
)

// Classifier produces a verdict for one piece of content.
type Classifier interface {
	Classify(ctx context.Context, fileName string, content []byte) (domain.ScanVerdict, error)
}

// New wires the classifier chain for the configuration. With no endpoint
// every scan is answered locally with the benign verdict; with one, HTTP
// failures are absorbed by the Safe wrapper. Either way the returned
// classifier never surfaces an error to its caller.
func New(cfg config.ScanConfig, logger *slog.Logger) Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		return NewDisabled(logger)
	}
	return NewSafe(NewHTTPClassifier(cfg, logger), logger)
}

// Disabled answers every scan with the benign verdict. It stands in when
// no classifier endpoint is configured.
type Disabled struct {
	logger *slog.Logger
}

func NewDisabled(logger *slog.Logger) *Disabled {
	if logger == nil {
		logger = slog.Default()
	}
	return &Disabled{logger: logger.With(slog.String("component", "scan.disabled"))}
}

func (d *Disabled) Classify(ctx context.Context, fileName string, content []byte) (domain.ScanVerdict, error) {
	d.logger.DebugContext(ctx, "scan skipped, no classifier configured",
		slog.String("file_name", fileName))
	return domain.SafeScanVerdict("scanner not configured"), nil
}

// Safe converts classifier failures into the benign verdict. The original
// error is logged and swallowed.
type Safe struct {
	inner  Classifier
	logger *slog.Logger
}

func NewSafe(inner Classifier, logger *slog.Logger) *Safe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Safe{inner: inner, logger: logger.With(slog.String("component", "scan.safe"))}
}

func (s *Safe) Classify(ctx context.Context, fileName string, content []byte) (domain.ScanVerdict, error) {
	verdict, err := s.inner.Classify(ctx, fileName, content)
	if err != nil {
		s.logger.WarnContext(ctx, "classifier unavailable, returning benign verdict",
			slog.String("file_name", fileName),
			slog.String("error", err.Error()))
		return domain.SafeScanVerdict("classifier unavailable"), nil
	}
	return verdict, nil
}
