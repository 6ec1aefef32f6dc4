// Package shared holds cross-cutting helpers that belong to no single
// layer of the licensing service.
//
// Its only subpackage today is testutil: canonical license fixtures, a
// pre-populated memory store, and an in-memory slog capture for asserting
// on structured log output. Production code must not import anything under
// shared/testutil; it exists for _test.go files across the codebase.
package shared
