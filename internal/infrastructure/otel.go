package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceName    = "keygate-license-server"
	ServiceVersion = "1.0.0"
	MeterName      = "keygate"
)

// OTelConfig holds OpenTelemetry configuration
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TraceExporter  string // "stdout", "none"
	MetricExporter string // "prometheus", "none"
	EnableMetrics  bool
	EnableTracing  bool
	SampleRatio    float64
}

// OTelProviders holds the OpenTelemetry providers
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// DefaultOTelConfig returns a default OpenTelemetry configuration
func DefaultOTelConfig() *OTelConfig {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	return &OTelConfig{
		ServiceName:    ServiceName,
		ServiceVersion: ServiceVersion,
		Environment:    env,
		TraceExporter:  "stdout",
		MetricExporter: "prometheus",
		EnableMetrics:  true,
		EnableTracing:  true,
		SampleRatio:    1.0,
	}
}

// InitializeOTel initializes OpenTelemetry tracing and metrics
func InitializeOTel(cfg *OTelConfig, logger *slog.Logger) (*OTelProviders, error) {
	if cfg == nil {
		cfg = DefaultOTelConfig()
	}

	ctx := context.Background()

	logger.InfoContext(ctx, "initializing OpenTelemetry",
		slog.String("service", cfg.ServiceName),
		slog.String("version", cfg.ServiceVersion),
		slog.String("environment", cfg.Environment),
		slog.Bool("tracing_enabled", cfg.EnableTracing),
		slog.Bool("metrics_enabled", cfg.EnableMetrics))

	res, err := createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	providers := &OTelProviders{
		Logger: logger,
	}

	if cfg.EnableTracing {
		if err := initializeTracing(ctx, cfg, res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if cfg.EnableMetrics {
		if err := initializeMetrics(ctx, cfg, res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return providers, nil
}

// createResource creates the OpenTelemetry resource
func createResource(cfg *OTelConfig) (*resource.Resource, error) {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("service.instance.id", generateInstanceID()),
	), nil
}

// initializeTracing sets up OpenTelemetry tracing
func initializeTracing(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case "stdout":
		exporter, err = stdouttrace.New(
			stdouttrace.WithPrettyPrint(),
		)
	case "none":
		return nil
	default:
		return fmt.Errorf("unsupported trace exporter: %s", cfg.TraceExporter)
	}

	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)

	providers.TracerProvider = tp
	providers.Tracer = tp.Tracer(MeterName, trace.WithInstrumentationVersion(cfg.ServiceVersion))

	otel.SetTracerProvider(tp)

	providers.Logger.InfoContext(ctx, "tracing initialized",
		slog.String("exporter", cfg.TraceExporter),
		slog.Float64("sample_ratio", cfg.SampleRatio))

	return nil
}

// initializeMetrics sets up OpenTelemetry metrics
func initializeMetrics(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	switch cfg.MetricExporter {
	case "prometheus":
		// Dedicated registry so each server instance scrapes clean.
		registry := promclient.NewRegistry()
		exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		providers.PrometheusHTTP = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)

		providers.MeterProvider = mp
		providers.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(cfg.ServiceVersion))

		otel.SetMeterProvider(mp)

	case "none":
		return nil
	default:
		return fmt.Errorf("unsupported metric exporter: %s", cfg.MetricExporter)
	}

	providers.Logger.InfoContext(ctx, "metrics initialized",
		slog.String("exporter", cfg.MetricExporter))

	return nil
}

// BusinessMetrics holds all application-specific metrics
type BusinessMetrics struct {
	// HTTP metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPActiveRequests  metric.Int64UpDownCounter

	// Issuance metrics
	IssueAttempts  metric.Int64Counter
	IssueSuccesses metric.Int64Counter
	IssueDenials   metric.Int64Counter
	IssueDuration  metric.Float64Histogram
	KeyCollisions  metric.Int64Counter

	// Activation metrics
	ActivationAttempts  metric.Int64Counter
	ActivationSuccesses metric.Int64Counter
	ActivationDenials   metric.Int64Counter
	ActivationDuration  metric.Float64Histogram

	// Scan metrics
	ScanRequests metric.Int64Counter
	ScanVerdicts metric.Int64Counter
	ScanDuration metric.Float64Histogram

	// Notification metrics
	EmailDeliveries       metric.Int64Counter
	EmailDeliveryDuration metric.Float64Histogram

	// Store metrics
	StoreOperationDuration metric.Float64Histogram
	StoreErrors            metric.Int64Counter

	// WebSocket metrics
	WSClientsActive   metric.Int64UpDownCounter
	WSEventsBroadcast metric.Int64Counter
}

// CreateBusinessMetrics creates application-specific metrics
func CreateBusinessMetrics(meter metric.Meter) (*BusinessMetrics, error) {
	httpRequestsTotal, err := meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	httpRequestDuration, err := meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	httpActiveRequests, err := meter.Int64UpDownCounter(
		"http_active_requests",
		metric.WithDescription("Number of active HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	issueAttempts, err := meter.Int64Counter(
		"license_issue_attempts_total",
		metric.WithDescription("Total number of license issue attempts"),
	)
	if err != nil {
		return nil, err
	}

	issueSuccesses, err := meter.Int64Counter(
		"license_issue_success_total",
		metric.WithDescription("Total number of licenses issued"),
	)
	if err != nil {
		return nil, err
	}

	issueDenials, err := meter.Int64Counter(
		"license_issue_denials_total",
		metric.WithDescription("Total number of denied issue attempts"),
	)
	if err != nil {
		return nil, err
	}

	issueDuration, err := meter.Float64Histogram(
		"license_issue_duration_seconds",
		metric.WithDescription("License issue duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	keyCollisions, err := meter.Int64Counter(
		"license_key_collisions_total",
		metric.WithDescription("Total number of license key collisions at insert"),
	)
	if err != nil {
		return nil, err
	}

	activationAttempts, err := meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, err
	}

	activationSuccesses, err := meter.Int64Counter(
		"license_activation_success_total",
		metric.WithDescription("Total number of successful license activations"),
	)
	if err != nil {
		return nil, err
	}

	activationDenials, err := meter.Int64Counter(
		"license_activation_denials_total",
		metric.WithDescription("Total number of denied activation attempts"),
	)
	if err != nil {
		return nil, err
	}

	activationDuration, err := meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	scanRequests, err := meter.Int64Counter(
		"scan_requests_total",
		metric.WithDescription("Total number of content scan requests"),
	)
	if err != nil {
		return nil, err
	}

	scanVerdicts, err := meter.Int64Counter(
		"scan_verdicts_total",
		metric.WithDescription("Total number of scan verdicts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	scanDuration, err := meter.Float64Histogram(
		"scan_duration_seconds",
		metric.WithDescription("Content scan duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	emailDeliveries, err := meter.Int64Counter(
		"email_deliveries_total",
		metric.WithDescription("Total number of license key email deliveries by status"),
	)
	if err != nil {
		return nil, err
	}

	emailDeliveryDuration, err := meter.Float64Histogram(
		"email_delivery_duration_seconds",
		metric.WithDescription("License key email delivery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	storeOperationDuration, err := meter.Float64Histogram(
		"store_operation_duration_seconds",
		metric.WithDescription("Store operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	storeErrors, err := meter.Int64Counter(
		"store_errors_total",
		metric.WithDescription("Total number of store operation errors"),
	)
	if err != nil {
		return nil, err
	}

	wsClientsActive, err := meter.Int64UpDownCounter(
		"websocket_clients_active",
		metric.WithDescription("Number of connected WebSocket clients"),
	)
	if err != nil {
		return nil, err
	}

	wsEventsBroadcast, err := meter.Int64Counter(
		"websocket_events_broadcast_total",
		metric.WithDescription("Total number of events broadcast to WebSocket clients"),
	)
	if err != nil {
		return nil, err
	}

	return &BusinessMetrics{
		HTTPRequestsTotal:   httpRequestsTotal,
		HTTPRequestDuration: httpRequestDuration,
		HTTPActiveRequests:  httpActiveRequests,

		IssueAttempts:  issueAttempts,
		IssueSuccesses: issueSuccesses,
		IssueDenials:   issueDenials,
		IssueDuration:  issueDuration,
		KeyCollisions:  keyCollisions,

		ActivationAttempts:  activationAttempts,
		ActivationSuccesses: activationSuccesses,
		ActivationDenials:   activationDenials,
		ActivationDuration:  activationDuration,

		ScanRequests: scanRequests,
		ScanVerdicts: scanVerdicts,
		ScanDuration: scanDuration,

		EmailDeliveries:       emailDeliveries,
		EmailDeliveryDuration: emailDeliveryDuration,

		StoreOperationDuration: storeOperationDuration,
		StoreErrors:            storeErrors,

		WSClientsActive:   wsClientsActive,
		WSEventsBroadcast: wsEventsBroadcast,
	}, nil
}

// Shutdown gracefully shuts down OpenTelemetry providers
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error

	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("opentelemetry shutdown errors: %v", errs)
	}

	p.Logger.InfoContext(ctx, "OpenTelemetry shutdown complete")
	return nil
}

// generateInstanceID generates a unique instance identifier
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}

// TraceIDFromContext extracts trace ID from context for logging correlation
func TraceIDFromContext(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// AddSpanEvent adds an event to the current span with structured attributes
func AddSpanEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, anyAttribute(k, v))
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error, options ...trace.EventOption) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.RecordError(err, options...)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanAttributes sets attributes on the current span
func SetSpanAttributes(ctx context.Context, attributes map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	for k, v := range attributes {
		span.SetAttributes(anyAttribute(k, v))
	}
}

func anyAttribute(k string, v interface{}) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(k, val)
	case int:
		return attribute.Int(k, val)
	case int64:
		return attribute.Int64(k, val)
	case float64:
		return attribute.Float64(k, val)
	case bool:
		return attribute.Bool(k, val)
	default:
		return attribute.String(k, fmt.Sprintf("%v", val))
	}
}

// RecordStoreOperation records duration and outcome for one store call
func RecordStoreOperation(ctx context.Context, metrics *BusinessMetrics, op, backend string, duration time.Duration, err error) {
	if metrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", op),
		attribute.String("backend", backend),
	}

	statusAttr := attribute.String("status", "success")
	if err != nil {
		statusAttr = attribute.String("status", "failure")
		metrics.StoreErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	metrics.StoreOperationDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(append(attrs, statusAttr)...))
}

// RecordScanVerdict counts one scan outcome: "malicious", "clean" or
// "unavailable" when the classifier could not be reached.
func RecordScanVerdict(ctx context.Context, metrics *BusinessMetrics, outcome string, duration time.Duration) {
	if metrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	metrics.ScanVerdicts.Add(ctx, 1, metric.WithAttributes(attrs...))
	metrics.ScanDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordEmailDelivery counts one notification attempt by status
func RecordEmailDelivery(ctx context.Context, metrics *BusinessMetrics, status string, duration time.Duration) {
	if metrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("status", status)}
	metrics.EmailDeliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
	metrics.EmailDeliveryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}
