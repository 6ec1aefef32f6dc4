// Package services implements the application layer of the KeyGate
// licensing service. It sits between the HTTP handlers and the domain
// packages, keeping cross-cutting concerns out of both.
//
// # Responsibilities
//
// Each service owns one request surface and is responsible for:
//
//	- Translating API contracts to and from domain types
//	- Recording business metrics and latency per operation
//	- Structured logging with trace correlation
//	- Broadcasting lifecycle events to the WebSocket feed
//	- Side effects that must not gate the caller (key delivery)
//
// Services never reimplement domain rules: eligibility, key uniqueness
// and machine binding live in the license package, and the services call
// into it. Errors from the domain pass through unchanged so handlers can
// map them to problem details centrally.
//
// # Available Services
//
//	- LicenseService: issuance, activation and status lookups
//	- ScanService: content classification with benign degradation
//	- HealthService: liveness and dependency readiness
package services
