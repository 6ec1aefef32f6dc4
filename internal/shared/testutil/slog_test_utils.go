package testutil

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// Record is one captured log entry with handler-bound attributes merged
// into Attrs alongside the call-site attributes.
type Record struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// CaptureHandler is a slog.Handler that buffers records in memory so tests
// can assert on what a component logged. Handlers derived via WithAttrs or
// WithGroup share the root buffer, so entries written through
// logger.With(...) children land in the same capture and carry their bound
// attributes. Components in this codebase bind a "component" attribute at
// construction, and those bindings must stay visible to assertions.
type CaptureHandler struct {
	state *captureState
	bound []slog.Attr
	group string
}

type captureState struct {
	mu      sync.Mutex
	records []Record
}

// NewCaptureHandler returns an empty capture.
func NewCaptureHandler() *CaptureHandler {
	return &CaptureHandler{state: &captureState{}}
}

// NewTestLogger returns a logger writing into a fresh capture.
func NewTestLogger() (*slog.Logger, *CaptureHandler) {
	h := NewCaptureHandler()
	return slog.New(h), h
}

// Enabled implements slog.Handler. Every level is captured; tests filter
// afterwards.
func (h *CaptureHandler) Enabled(context.Context, slog.Level) bool { return true }

// Handle implements slog.Handler.
func (h *CaptureHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.bound))
	for _, a := range h.bound {
		attrs[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.group+a.Key] = a.Value.Resolve().Any()
		return true
	})

	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.records = append(h.state.records, Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
	})
	return nil
}

// WithAttrs implements slog.Handler. Bound attributes are resolved against
// the current group prefix, matching slog semantics.
func (h *CaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := *h
	child.bound = make([]slog.Attr, 0, len(h.bound)+len(attrs))
	child.bound = append(child.bound, h.bound...)
	for _, a := range attrs {
		child.bound = append(child.bound, slog.Attr{Key: h.group + a.Key, Value: a.Value})
	}
	return &child
}

// WithGroup implements slog.Handler. Grouped attribute keys are flattened
// with a dot so assertions can address them as "group.key".
func (h *CaptureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	child := *h
	child.group = h.group + name + "."
	return &child
}

// Records returns a copy of everything captured so far.
func (h *CaptureHandler) Records() []Record {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	out := make([]Record, len(h.state.records))
	copy(out, h.state.records)
	return out
}

// ByLevel returns the captured records at exactly the given level.
func (h *CaptureHandler) ByLevel(level slog.Level) []Record {
	var out []Record
	for _, r := range h.Records() {
		if r.Level == level {
			out = append(out, r)
		}
	}
	return out
}

// HasMessage reports whether any captured message contains fragment.
func (h *CaptureHandler) HasMessage(fragment string) bool {
	for _, r := range h.Records() {
		if strings.Contains(r.Message, fragment) {
			return true
		}
	}
	return false
}

// HasAttr reports whether any captured record carries key with exactly
// value.
func (h *CaptureHandler) HasAttr(key string, value any) bool {
	for _, r := range h.Records() {
		if got, ok := r.Attrs[key]; ok && got == value {
			return true
		}
	}
	return false
}

// Len returns the number of captured records.
func (h *CaptureHandler) Len() int {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	return len(h.state.records)
}

// Reset discards everything captured so far.
func (h *CaptureHandler) Reset() {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.records = h.state.records[:0]
}

// AssertLogged fails the test unless a record at level contains fragment
// in its message.
func AssertLogged(t *testing.T, h *CaptureHandler, level slog.Level, fragment string) {
	t.Helper()
	for _, r := range h.ByLevel(level) {
		if strings.Contains(r.Message, fragment) {
			return
		}
	}
	t.Errorf("no %s log containing %q", level, fragment)
	for _, r := range h.ByLevel(level) {
		t.Logf("  captured: %s", r.Message)
	}
}

// AssertLogAttr fails the test unless some captured record carries
// key=value.
func AssertLogAttr(t *testing.T, h *CaptureHandler, key string, value any) {
	t.Helper()
	if h.HasAttr(key, value) {
		return
	}
	t.Errorf("no log record with attribute %s=%v", key, value)
	for _, r := range h.Records() {
		t.Logf("  captured: %s %v", r.Message, r.Attrs)
	}
}

// AssertNoErrors fails the test if any error-level record was captured.
func AssertNoErrors(t *testing.T, h *CaptureHandler) {
	t.Helper()
	for _, r := range h.ByLevel(slog.LevelError) {
		t.Errorf("unexpected error log: %s %v", r.Message, r.Attrs)
	}
}
