// Package app provides application initialization and lifecycle management
// for the KeyGate license server. It wires configuration, observability,
// the durable stores, allow-list provisioning, services and the HTTP
// surface into one runnable unit with graceful shutdown.
//
// # Initialization Flow
//
// The typical initialization sequence:
//
//	1. Load configuration from environment and files
//	2. Initialize logging and OpenTelemetry
//	3. Open the configured store backend (memory, postgres or mongo)
//	4. Seed the allow-list from the configured provisioning source
//	5. Initialize services with their dependencies
//	6. Set up HTTP handlers and middleware
//	7. Configure and start the HTTP server
//
// # Graceful Shutdown
//
// The package handles SIGINT and SIGTERM signals to ensure:
//
//	- Active requests are completed within the shutdown timeout
//	- WebSocket connections are closed cleanly
//	- Store connections are closed
//	- OpenTelemetry providers flush their final batches
//
// # Error Handling
//
// All initialization errors are returned to the caller for proper
// handling. The app does not call os.Exit() directly, allowing
// the main function to control the exit process.
package app
