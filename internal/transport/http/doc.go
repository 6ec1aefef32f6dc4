// Package http implements the HTTP handlers of the KeyGate licensing
// service. Handlers stay thin: they decode and validate requests, call
// one service method, and render the result or an RFC 7807 problem.
//
// A request flows through these layers:
//
//	HTTP Request → Chi Router → Middleware → Handler → Service → Store
//	                                              ↓
//	HTTP Response ← Handler ← Service Response ←─┘
//
// Error mapping is centralized in the errors package so every endpoint
// speaks the same problem vocabulary; handlers never hand-build status
// codes for domain failures.
package http
