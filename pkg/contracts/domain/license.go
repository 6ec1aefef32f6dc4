// Package domain contains the core domain models for the KeyGate licensing
// service. These types serve as the Single Source of Truth (SSOT) for all
// layers of the application.
package domain

import (
	"strings"
	"time"
)

// LicenseStatus represents the lifecycle state of a license record
type LicenseStatus string

const (
	// LicenseStatusAssigned is the initial state: the key has been issued
	// but is not yet bound to a machine.
	LicenseStatusAssigned LicenseStatus = "ASSIGNED"
	// LicenseStatusActivated means the key is bound to exactly one machine.
	// The transition is one-way; there is no downgrade path.
	LicenseStatusActivated LicenseStatus = "ACTIVATED"
)

// OwnerInfo is the requester snapshot captured at issuance time.
// It is immutable once a record is persisted.
type OwnerInfo struct {
	Email string `json:"email" db:"owner_email" validate:"required,email"`
	Name  string `json:"name" db:"owner_name" validate:"required,min=1,max=200"`
	Phone string `json:"phone" db:"owner_phone" validate:"omitempty,max=40"`
}

// Normalize returns a copy with whitespace trimmed and the email lowercased.
// Records are always persisted in normalized form so activation can compare
// emails without caring about the casing a mail client introduced.
func (o OwnerInfo) Normalize() OwnerInfo {
	return OwnerInfo{
		Email: strings.ToLower(strings.TrimSpace(o.Email)),
		Name:  strings.TrimSpace(o.Name),
		Phone: strings.TrimSpace(o.Phone),
	}
}

// LicenseRecord is the central entity: one issued license key, the owner
// snapshot, and the activation state.
type LicenseRecord struct {
	LicenseKey     string        `json:"license_key" db:"license_key" validate:"required,len=14"`
	OwnerEmail     string        `json:"owner_email" db:"owner_email" validate:"required,email"`
	OwnerName      string        `json:"owner_name" db:"owner_name"`
	OwnerPhone     string        `json:"owner_phone,omitempty" db:"owner_phone"`
	UserIdentity   string        `json:"user_identity" db:"user_identity" validate:"required"`
	Status         LicenseStatus `json:"status" db:"status" validate:"required,oneof=ASSIGNED ACTIVATED"`
	BoundMachineID string        `json:"bound_machine_id,omitempty" db:"bound_machine_id"`
	ActivatedAt    *time.Time    `json:"activated_at,omitempty" db:"activated_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// IsActivated reports whether the record has been bound to a machine.
func (r *LicenseRecord) IsActivated() bool {
	return r.Status == LicenseStatusActivated
}

// BoundTo reports whether the record is activated on the given machine.
func (r *LicenseRecord) BoundTo(machineID string) bool {
	return r.IsActivated() && r.BoundMachineID == machineID
}

// Clone returns a deep copy so store implementations can hand out records
// without aliasing their internal state.
func (r *LicenseRecord) Clone() *LicenseRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ActivatedAt != nil {
		t := *r.ActivatedAt
		cp.ActivatedAt = &t
	}
	return &cp
}

// Activation carries the fields applied by the ASSIGNED to ACTIVATED
// compare-and-swap. BoundMachineID and ActivatedAt are set exactly once.
type Activation struct {
	MachineID   string    `json:"machine_id"`
	ActivatedAt time.Time `json:"activated_at"`
}

// ActivationResult is the success shape of an activation request.
// AlreadyActivated marks the idempotent variant: the record was already
// bound to this same machine by an earlier call. It is not an error.
type ActivationResult struct {
	Record           *LicenseRecord `json:"record"`
	AlreadyActivated bool           `json:"already_activated"`
}

// AllowListEntry is one provisioned user identity and its consumption state.
// Entries transition eligible to consumed exactly once and are never deleted
// by the service.
type AllowListEntry struct {
	UserID     string     `json:"user_id" db:"user_id"`
	Consumed   bool       `json:"consumed" db:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
}
