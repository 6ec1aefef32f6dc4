package http

import (
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
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/middleware"
	"keygate/internal/services"
	apiv1 "keygate/pkg/contracts/api/v1"
)

// LicenseHandler serves the license lifecycle endpoints.
type LicenseHandler struct {
	service   services.LicenseService
	validator *middleware.ValidationMiddleware
	logger    *slog.Logger
}

// NewLicenseHandler creates a new license handler.
func NewLicenseHandler(service services.LicenseService, validator *middleware.ValidationMiddleware, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:   service,
		validator: validator,
		logger:    logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the license endpoint router, mounted under /api/license.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(h.validator.ValidateRequest)

	r.Post("/issue", h.Issue)
	r.Post("/activate", h.Activate)
	r.Get("/status/{licenseKey}", h.Status)

	return r
}

// Issue handles POST /api/license/issue.
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.issue",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/issue"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var req apiv1.LicenseIssueRequest
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

	resp, err := h.service.Issue(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.result", "denied"))
		h.renderProblem(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("license.result", "issued"))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/activate"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var req apiv1.LicenseActivateRequest
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

	// Only the masked form goes onto the span.
	span.SetAttributes(attribute.String("license.key", license.MaskKey(license.NormalizeKey(req.LicenseKey))))

	resp, err := h.service.Activate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.result", "denied"))
		h.renderProblem(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.result", "activated"),
		attribute.Bool("license.already_activated", resp.AlreadyActivated),
	)
	render.JSON(w, r, resp)
}

// Status handles GET /api/license/status/{licenseKey}.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "licenseKey")

	if err := license.ValidateKeyFormat(license.NormalizeKey(key)); err != nil {
		h.renderProblem(w, r, apierrors.NewValidationError(err.Error()))
		return
	}

	resp, err := h.service.Status(ctx, key)
	if err != nil {
		h.renderProblem(w, r, err)
		return
	}

	render.JSON(w, r, resp)
}

// renderProblem maps any error onto an RFC 7807 response. Denials are
// expected traffic and log at info; only 5xx mappings log as errors.
func (h *LicenseHandler) renderProblem(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	if traceID == "" {
		traceID = middleware.GetReqID(ctx)
	}

	logFn := h.logger.InfoContext
	if apierrors.LicenseProblemStatus(err) >= http.StatusInternalServerError {
		logFn = h.logger.ErrorContext
	}
	logFn(ctx, "request failed",
		slog.String("path", license.MaskKeyedPath(r.URL.Path)),
		slog.String("method", r.Method),
		slog.String("trace_id", traceID),
		slog.String("error", err.Error()))

	render.Render(w, r, apierrors.MapLicenseError(err, traceID))
}
