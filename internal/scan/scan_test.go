package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/config"
	"keygate/pkg/contracts/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingClassifier struct {
	err error
}

func (f *failingClassifier) Classify(context.Context, string, []byte) (domain.ScanVerdict, error) {
	return domain.ScanVerdict{}, f.err
}

func TestHTTPClassifier_MaliciousVerdict(t *testing.T) {
	content := []byte("MZ\x90\x00 fake executable")

	var got classifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer scan-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(domain.ScanVerdict{
			IsMalicious:     true,
			ConfidenceScore: 0.97,
			Reason:          "matched known trojan signature",
			ThreatType:      "trojan",
		})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(config.ScanConfig{
		Endpoint: srv.URL,
		APIKey:   "scan-key",
		Timeout:  5 * time.Second,
	}, discardLogger())

	verdict, err := c.Classify(context.Background(), "invoice.exe", content)
	require.NoError(t, err)
	assert.True(t, verdict.IsMalicious)
	assert.InDelta(t, 0.97, verdict.ConfidenceScore, 1e-9)
	assert.Equal(t, "trojan", verdict.ThreatType)

	assert.Equal(t, "invoice.exe", got.FileName)
	assert.True(t, bytes.Equal(content, got.Content))
}

func TestHTTPClassifier_CleanVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.ScanVerdict{IsMalicious: false, ConfidenceScore: 0.12})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(config.ScanConfig{Endpoint: srv.URL}, discardLogger())
	verdict, err := c.Classify(context.Background(), "notes.txt", []byte("hello"))
	require.NoError(t, err)
	assert.False(t, verdict.IsMalicious)
}

func TestHTTPClassifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(config.ScanConfig{Endpoint: srv.URL}, discardLogger())
	_, err := c.Classify(context.Background(), "a.bin", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPClassifier_GarbageBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>definitely not json</html>")
	}))
	defer srv.Close()

	c := NewHTTPClassifier(config.ScanConfig{Endpoint: srv.URL}, discardLogger())
	_, err := c.Classify(context.Background(), "a.bin", []byte("x"))
	assert.Error(t, err)
}

func TestHTTPClassifier_ConfidenceOutOfRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"is_malicious":false,"confidence_score":7.5}`)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(config.ScanConfig{Endpoint: srv.URL}, discardLogger())
	_, err := c.Classify(context.Background(), "a.bin", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence")
}

func TestSafe_DegradesOnFailure(t *testing.T) {
	inner := &failingClassifier{err: errors.New("connection refused")}
	s := NewSafe(inner, discardLogger())

	verdict, err := s.Classify(context.Background(), "a.bin", []byte("x"))
	require.NoError(t, err)
	assert.False(t, verdict.IsMalicious)
	assert.Zero(t, verdict.ConfidenceScore)
	assert.Equal(t, "classifier unavailable", verdict.Reason)
}

func TestSafe_PassesVerdictThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.ScanVerdict{IsMalicious: true, ConfidenceScore: 0.9, ThreatType: "worm"})
	}))
	defer srv.Close()

	s := NewSafe(NewHTTPClassifier(config.ScanConfig{Endpoint: srv.URL}, discardLogger()), discardLogger())
	verdict, err := s.Classify(context.Background(), "a.bin", []byte("x"))
	require.NoError(t, err)
	assert.True(t, verdict.IsMalicious)
	assert.Equal(t, "worm", verdict.ThreatType)
}

func TestDisabled_AlwaysBenign(t *testing.T) {
	verdict, err := NewDisabled(discardLogger()).Classify(context.Background(), "a.bin", []byte("x"))
	require.NoError(t, err)
	assert.False(t, verdict.IsMalicious)
	assert.Equal(t, "scanner not configured", verdict.Reason)
}

func TestNew_SelectsClassifier(t *testing.T) {
	assert.IsType(t, &Disabled{}, New(config.ScanConfig{}, discardLogger()))
	assert.IsType(t, &Safe{}, New(config.ScanConfig{Endpoint: "http://classifier.example.com"}, discardLogger()))
}

func TestNew_EndToEndDegradation(t *testing.T) {
	// TEST-NET-1 address, nothing listens there.
	c := New(config.ScanConfig{
		Endpoint: "http://192.0.2.1:9",
		Timeout:  100 * time.Millisecond,
	}, discardLogger())

	verdict, err := c.Classify(context.Background(), "a.bin", []byte("x"))
	require.NoError(t, err)
	assert.False(t, verdict.IsMalicious)
}
