package config

// Application constants shared across the KeyGate service.
const (
	AppName    = "KeyGate"
	AppVersion = "1.0.0"

	// API surface
	APIBasePath       = "/api"
	LicenseEndpoint   = "/api/license"
	ScanEndpoint      = "/api/scan"
	HealthEndpoint    = "/api/health"
	MetricsEndpoint   = "/metrics"
	WebSocketEndpoint = "/ws"
)
