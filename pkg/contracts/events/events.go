// Package events contains the event contracts broadcast on the operator
// WebSocket feed. Payloads never carry raw license keys; producers mask
// before publishing.
package events

import (
	"encoding/json"
	"time"
)

// Event types
const (
	TypeConnection       = "connection"
	TypeLicenseIssued    = "license:issued"
	TypeLicenseActivated = "license:activated"
	TypeScanCompleted    = "scan:completed"
)

// Envelope is the wire frame for one event.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	TraceID   string          `json:"trace_id,omitempty"`
}

// NewEnvelope wraps a payload for broadcast. Marshal failures return an
// envelope with a null payload rather than an error; the feed is advisory
// and must never block the operation that produced the event.
func NewEnvelope(eventType string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return Envelope{
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
}

// LicenseIssued is broadcast after an issuance has durably persisted.
type LicenseIssued struct {
	MaskedKey    string    `json:"masked_key"`
	UserIdentity string    `json:"user_identity"`
	IssuedAt     time.Time `json:"issued_at"`
}

// LicenseActivated is broadcast after an activation request succeeded,
// including the idempotent repeat from the same machine.
type LicenseActivated struct {
	MaskedKey        string    `json:"masked_key"`
	MachineID        string    `json:"machine_id"`
	AlreadyActivated bool      `json:"already_activated"`
	ActivatedAt      time.Time `json:"activated_at"`
}

// ScanCompleted is broadcast after a classification round-trip.
type ScanCompleted struct {
	FileName    string  `json:"file_name"`
	IsMalicious bool    `json:"is_malicious"`
	Confidence  float64 `json:"confidence"`
	ThreatType  string  `json:"threat_type,omitempty"`
}
