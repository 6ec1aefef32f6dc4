// Package api contains API contract definitions for the KeyGate licensing
// service. Version v1 represents the current stable API version.
package api

import (
	"time"

	"keygate/pkg/contracts/domain"
)

// License API requests

// LicenseIssueRequest asks for a new license key on behalf of an
// allow-listed user identity.
type LicenseIssueRequest struct {
	UserID string `json:"user_id" validate:"required,min=1,max=128"`
	Email  string `json:"email" validate:"required,email"`
	Name   string `json:"name" validate:"required,min=1,max=200"`
	Phone  string `json:"phone,omitempty" validate:"omitempty,max=40"`
}

// Owner converts the request fields into the issuance-time owner snapshot.
func (r LicenseIssueRequest) Owner() domain.OwnerInfo {
	return domain.OwnerInfo{Email: r.Email, Name: r.Name, Phone: r.Phone}
}

// LicenseActivateRequest binds an issued key to a machine.
type LicenseActivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,license_key"`
	Email      string `json:"email" validate:"required,email"`
	MachineID  string `json:"machine_id" validate:"required,machine_id"`
}

// License API responses

// LicenseIssueResponse is returned after a successful issuance.
type LicenseIssueResponse struct {
	LicenseKey string    `json:"license_key"`
	Status     string    `json:"status"`
	IssuedAt   time.Time `json:"issued_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// LicenseActivateResponse is returned for both activation success shapes:
// the first binding and the idempotent repeat from the same machine.
type LicenseActivateResponse struct {
	Status           string     `json:"status"`
	AlreadyActivated bool       `json:"already_activated"`
	MachineID        string     `json:"machine_id"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty"`
	TraceID          string     `json:"trace_id,omitempty"`
}

// LicenseStatusResponse is the support-lookup view of a record. The owner
// email is masked; raw PII never leaves the service on this path.
type LicenseStatusResponse struct {
	LicenseKey   string     `json:"license_key"`
	Status       string     `json:"status"`
	OwnerEmail   string     `json:"owner_email"`
	MachineBound bool       `json:"machine_bound"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	TraceID      string     `json:"trace_id,omitempty"`
}

// Scan API requests

// ScanRequest submits file content for classification. Content is
// base64-encoded by the client.
type ScanRequest struct {
	FileName string `json:"file_name" validate:"required,filename"`
	Content  string `json:"content" validate:"required,base64"`
}

// ScanResponse wraps the classifier verdict.
type ScanResponse struct {
	FileName string             `json:"file_name"`
	Verdict  domain.ScanVerdict `json:"verdict"`
	TraceID  string             `json:"trace_id,omitempty"`
}

// Health API responses

// HealthResponse reports overall service health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Version   string            `json:"version,omitempty"`
}

// VersionResponse reports build information.
type VersionResponse struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version,omitempty"`
}
