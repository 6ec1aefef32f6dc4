package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "keygate/internal/errors"
	"keygate/internal/middleware"
	"keygate/internal/services"
	apiv1 "keygate/pkg/contracts/api/v1"
)

// ScanHandler serves the content classification endpoint.
type ScanHandler struct {
	service   *services.ScanService
	validator *middleware.ValidationMiddleware
	logger    *slog.Logger
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(service *services.ScanService, validator *middleware.ValidationMiddleware, logger *slog.Logger) *ScanHandler {
	return &ScanHandler{
		service:   service,
		validator: validator,
		logger:    logger.With(slog.String("handler", "scan")),
	}
}

// Routes returns the scan endpoint router, mounted under /api/scan.
func (h *ScanHandler) Routes() chi.Router {
	r := chi.NewRouter()
	// Classifier round-trips carry file content, so the budget is wider
	// than the license endpoints'.
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(h.validator.ValidateRequest)

	r.Post("/", h.Scan)

	return r
}

// Scan handles POST /api/scan.
func (h *ScanHandler) Scan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("scan-handler")

	ctx, span := tracer.Start(ctx, "scan_handler.scan",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/scan"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var req apiv1.ScanRequest
	if err := render.Decode(r, &req); err != nil {
		span.RecordError(err)
		h.renderProblem(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		span.RecordError(err)
		h.renderProblem(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("scan.file_name", req.FileName))

	resp, err := h.service.Scan(ctx, req)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, services.ErrInvalidScanContent) {
			h.renderProblem(w, r, apierrors.NewValidationError(err.Error()))
			return
		}
		h.renderProblem(w, r, err)
		return
	}

	span.SetAttributes(attribute.Bool("scan.is_malicious", resp.Verdict.IsMalicious))
	render.JSON(w, r, resp)
}

func (h *ScanHandler) renderProblem(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := middleware.GetReqID(ctx)

	logFn := h.logger.InfoContext
	if apierrors.LicenseProblemStatus(err) >= http.StatusInternalServerError {
		logFn = h.logger.ErrorContext
	}
	logFn(ctx, "request failed",
		slog.String("path", r.URL.Path),
		slog.String("trace_id", traceID),
		slog.String("error", err.Error()))

	render.Render(w, r, apierrors.MapLicenseError(err, traceID))
}
