package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keygate/internal/infrastructure"
	"keygate/internal/scan"
	"keygate/internal/websocket"
	apiv1 "keygate/pkg/contracts/api/v1"
	"keygate/pkg/contracts/events"
)

// ErrInvalidScanContent reports content that is not valid base64. Request
// validation rejects this earlier, so hitting it means a caller bypassed
// the validated route.
var ErrInvalidScanContent = errors.New("scan content is not valid base64")

// ScanService runs submitted content through the classifier and reports
// the verdict. The classifier chain degrades to a benign verdict when the
// backend is unreachable, so Scan only fails on malformed input.
type ScanService struct {
	classifier scan.Classifier
	hub        *websocket.Hub
	metrics    *infrastructure.BusinessMetrics
	logger     *slog.Logger
}

// NewScanService wires the classifier with the event feed and metrics.
// Hub and metrics may be nil.
func NewScanService(classifier scan.Classifier, hub *websocket.Hub, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) *ScanService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScanService{
		classifier: classifier,
		hub:        hub,
		metrics:    metrics,
		logger:     logger.With(slog.String("service", "scan")),
	}
}

// Scan decodes the submitted content and classifies it.
func (s *ScanService) Scan(ctx context.Context, req apiv1.ScanRequest) (*apiv1.ScanResponse, error) {
	start := time.Now()
	traceID := traceFromContext(ctx)

	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return nil, ErrInvalidScanContent
	}

	s.logger.InfoContext(ctx, "content scan started",
		slog.String("trace_id", traceID),
		slog.String("operation", "scan"),
		slog.String("file_name", req.FileName),
		slog.Int("content_bytes", len(content)))
	if s.metrics != nil {
		s.metrics.ScanRequests.Add(ctx, 1)
	}

	verdict, err := s.classifier.Classify(ctx, req.FileName, content)
	latency := time.Since(start)
	if err != nil {
		// The classifier chain from scan.New absorbs backend failures;
		// an error here means the service was wired with a bare client.
		return nil, fmt.Errorf("classify content: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ScanVerdicts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("verdict", verdictLabel(verdict.IsMalicious))))
		s.metrics.ScanDuration.Record(ctx, latency.Seconds())
	}
	s.logger.InfoContext(ctx, "content scan completed",
		slog.String("trace_id", traceID),
		slog.String("operation", "scan"),
		slog.String("file_name", req.FileName),
		slog.Bool("is_malicious", verdict.IsMalicious),
		slog.Float64("confidence", verdict.ConfidenceScore),
		slog.Duration("latency", latency))

	if s.hub != nil {
		env := events.NewEnvelope(events.TypeScanCompleted, events.ScanCompleted{
			FileName:    req.FileName,
			IsMalicious: verdict.IsMalicious,
			Confidence:  verdict.ConfidenceScore,
			ThreatType:  verdict.ThreatType,
		})
		env.TraceID = traceID
		s.hub.Publish(env)
	}

	return &apiv1.ScanResponse{
		FileName: req.FileName,
		Verdict:  verdict,
		TraceID:  traceID,
	}, nil
}

func verdictLabel(isMalicious bool) string {
	if isMalicious {
		return "malicious"
	}
	return "clean"
}
