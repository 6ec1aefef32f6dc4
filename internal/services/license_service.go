package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/notify"
	"keygate/internal/websocket"
	apiv1 "keygate/pkg/contracts/api/v1"
	"keygate/pkg/contracts/domain"
	"keygate/pkg/contracts/events"
)

// LicenseService is the application surface for the license lifecycle.
// Implementations translate between API contracts and domain types and
// own the observability of each operation.
type LicenseService interface {
	// Issue requests a new license key for an allow-listed user identity.
	Issue(ctx context.Context, req apiv1.LicenseIssueRequest) (*apiv1.LicenseIssueResponse, error)

	// Activate binds an issued key to a machine. Repeats from the bound
	// machine succeed with AlreadyActivated set.
	Activate(ctx context.Context, req apiv1.LicenseActivateRequest) (*apiv1.LicenseActivateResponse, error)

	// Status returns the support view of a record. Key and owner email
	// are masked in the response.
	Status(ctx context.Context, key string) (*apiv1.LicenseStatusResponse, error)
}

type licenseService struct {
	lifecycle *license.Lifecycle
	notifier  notify.Notifier
	hub       *websocket.Hub
	metrics   *infrastructure.BusinessMetrics
	logger    *slog.Logger
}

// NewLicenseService wires the lifecycle orchestrator with its side
// channels. The notifier, hub and metrics may each be nil; the service
// degrades to the core lifecycle without them.
func NewLicenseService(lifecycle *license.Lifecycle, notifier notify.Notifier, hub *websocket.Hub, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		lifecycle: lifecycle,
		notifier:  notifier,
		hub:       hub,
		metrics:   metrics,
		logger:    logger.With(slog.String("service", "license")),
	}
}

func (s *licenseService) Issue(ctx context.Context, req apiv1.LicenseIssueRequest) (*apiv1.LicenseIssueResponse, error) {
	start := time.Now()
	traceID := traceFromContext(ctx)

	s.logger.InfoContext(ctx, "license issuance started",
		slog.String("trace_id", traceID),
		slog.String("operation", "issue"),
		slog.String("user_id", req.UserID))
	if s.metrics != nil {
		s.metrics.IssueAttempts.Add(ctx, 1)
	}

	rec, err := s.lifecycle.Issue(ctx, req.UserID, req.Owner())
	latency := time.Since(start)
	if s.metrics != nil {
		s.metrics.IssueDuration.Record(ctx, latency.Seconds())
	}
	if err != nil {
		reason := issueDenialReason(err)
		if s.metrics != nil {
			s.metrics.IssueDenials.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reason", reason)))
			if errors.Is(err, license.ErrKeyCollision) {
				s.metrics.KeyCollisions.Add(ctx, 1)
			}
		}
		s.logger.InfoContext(ctx, "license issuance denied",
			slog.String("trace_id", traceID),
			slog.String("operation", "issue"),
			slog.String("user_id", req.UserID),
			slog.String("reason", reason),
			slog.Duration("latency", latency))
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IssueSuccesses.Add(ctx, 1)
	}
	s.logger.InfoContext(ctx, "license issuance completed",
		slog.String("trace_id", traceID),
		slog.String("operation", "issue"),
		slog.String("license_key", license.MaskKey(rec.LicenseKey)),
		slog.String("key_hash", license.AuditHash(rec.LicenseKey)),
		slog.Duration("latency", latency))

	s.deliverKey(ctx, rec)

	if s.hub != nil {
		env := events.NewEnvelope(events.TypeLicenseIssued, events.LicenseIssued{
			MaskedKey:    license.MaskKey(rec.LicenseKey),
			UserIdentity: rec.UserIdentity,
			IssuedAt:     rec.CreatedAt,
		})
		env.TraceID = traceID
		s.hub.Publish(env)
	}

	return &apiv1.LicenseIssueResponse{
		LicenseKey: rec.LicenseKey,
		Status:     string(rec.Status),
		IssuedAt:   rec.CreatedAt,
		TraceID:    traceID,
	}, nil
}

// deliverKey hands the key to the notifier without holding the request
// open. The record is already durable when this runs; a failed send is
// logged and counted but never unwinds the issuance.
func (s *licenseService) deliverKey(ctx context.Context, rec *domain.LicenseRecord) {
	if s.notifier == nil {
		return
	}
	// Detached from the request context so a client disconnect right
	// after issuance cannot cancel the delivery mid-flight.
	ctx = context.WithoutCancel(ctx)
	msg := notify.Message{
		RecipientEmail: rec.OwnerEmail,
		RecipientName:  rec.OwnerName,
		LicenseKey:     rec.LicenseKey,
	}
	go func() {
		start := time.Now()
		err := s.notifier.SendLicenseKey(ctx, msg)
		status := "delivered"
		if err != nil {
			status = "failed"
			s.logger.ErrorContext(ctx, "license key delivery failed",
				slog.String("license_key", license.MaskKey(msg.LicenseKey)),
				slog.String("recipient", license.MaskEmail(msg.RecipientEmail)),
				slog.String("error", err.Error()))
		}
		if s.metrics != nil {
			s.metrics.EmailDeliveries.Add(ctx, 1, metric.WithAttributes(
				attribute.String("status", status)))
			s.metrics.EmailDeliveryDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()
}

func (s *licenseService) Activate(ctx context.Context, req apiv1.LicenseActivateRequest) (*apiv1.LicenseActivateResponse, error) {
	start := time.Now()
	traceID := traceFromContext(ctx)
	maskedKey := license.MaskKey(license.NormalizeKey(req.LicenseKey))

	s.logger.InfoContext(ctx, "license activation started",
		slog.String("trace_id", traceID),
		slog.String("operation", "activate"),
		slog.String("license_key", maskedKey))
	if s.metrics != nil {
		s.metrics.ActivationAttempts.Add(ctx, 1)
	}

	res, err := s.lifecycle.Activate(ctx, req.LicenseKey, req.Email, req.MachineID)
	latency := time.Since(start)
	if s.metrics != nil {
		s.metrics.ActivationDuration.Record(ctx, latency.Seconds())
	}
	if err != nil {
		reason := activationDenialReason(err)
		if s.metrics != nil {
			s.metrics.ActivationDenials.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reason", reason)))
		}
		s.logger.InfoContext(ctx, "license activation denied",
			slog.String("trace_id", traceID),
			slog.String("operation", "activate"),
			slog.String("license_key", maskedKey),
			slog.String("reason", reason),
			slog.Duration("latency", latency))
		return nil, err
	}

	rec := res.Record
	if s.metrics != nil {
		s.metrics.ActivationSuccesses.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("already_activated", res.AlreadyActivated)))
	}
	s.logger.InfoContext(ctx, "license activation completed",
		slog.String("trace_id", traceID),
		slog.String("operation", "activate"),
		slog.String("license_key", license.MaskKey(rec.LicenseKey)),
		slog.Bool("already_activated", res.AlreadyActivated),
		slog.Duration("latency", latency))

	if s.hub != nil {
		var activatedAt time.Time
		if rec.ActivatedAt != nil {
			activatedAt = *rec.ActivatedAt
		}
		env := events.NewEnvelope(events.TypeLicenseActivated, events.LicenseActivated{
			MaskedKey:        license.MaskKey(rec.LicenseKey),
			MachineID:        rec.BoundMachineID,
			AlreadyActivated: res.AlreadyActivated,
			ActivatedAt:      activatedAt,
		})
		env.TraceID = traceID
		s.hub.Publish(env)
	}

	return &apiv1.LicenseActivateResponse{
		Status:           string(rec.Status),
		AlreadyActivated: res.AlreadyActivated,
		MachineID:        rec.BoundMachineID,
		ActivatedAt:      rec.ActivatedAt,
		TraceID:          traceID,
	}, nil
}

func (s *licenseService) Status(ctx context.Context, key string) (*apiv1.LicenseStatusResponse, error) {
	traceID := traceFromContext(ctx)

	rec, err := s.lifecycle.Status(ctx, key)
	if err != nil {
		s.logger.InfoContext(ctx, "license status lookup failed",
			slog.String("trace_id", traceID),
			slog.String("operation", "status"),
			slog.String("key_hash", license.AuditHash(license.NormalizeKey(key))))
		return nil, err
	}

	return &apiv1.LicenseStatusResponse{
		LicenseKey:   license.MaskKey(rec.LicenseKey),
		Status:       string(rec.Status),
		OwnerEmail:   license.MaskEmail(rec.OwnerEmail),
		MachineBound: rec.IsActivated(),
		ActivatedAt:  rec.ActivatedAt,
		CreatedAt:    rec.CreatedAt,
		TraceID:      traceID,
	}, nil
}

// issueDenialReason labels an issuance failure for metrics and logs.
func issueDenialReason(err error) string {
	switch {
	case errors.Is(err, license.ErrIdentityIneligible):
		return "identity_ineligible"
	case errors.Is(err, license.ErrIdentityAlreadyConsumed):
		return "identity_consumed"
	case errors.Is(err, license.ErrKeyCollision):
		return "key_collision"
	default:
		return "internal"
	}
}

// activationDenialReason labels an activation failure for metrics and logs.
func activationDenialReason(err error) string {
	switch {
	case errors.Is(err, license.ErrRecordNotFound):
		return "record_not_found"
	case errors.Is(err, license.ErrEmailMismatch):
		return "email_mismatch"
	case errors.Is(err, license.ErrMachineMismatch):
		return "machine_mismatch"
	default:
		return "internal"
	}
}

// traceFromContext prefers the request ID minted by the HTTP middleware
// and falls back to the active span.
func traceFromContext(ctx context.Context) string {
	if id := infrastructure.GetTraceID(ctx); id != "" {
		return id
	}
	return infrastructure.TraceIDFromContext(ctx)
}
