package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

// Canonical fixtures shared by service, transport and integration tests.
// The keys follow the issued XXXX-XXXX-XXXX shape so they pass format
// validation everywhere; identities line up with the records built below.
const (
	AssignedKey  = "AB12-CD34-EF56"
	ActivatedKey = "GH78-JK90-LM12"
	UnknownKey   = "ZZZZ-ZZZZ-ZZZZ"

	AssignedIdentity  = "emp-1001"
	ActivatedIdentity = "emp-1002"
	EligibleIdentity  = "emp-1003"

	BoundMachineID = "machine-fp-0001"
	OtherMachineID = "machine-fp-0002"
)

// FixtureTime anchors fixture timestamps so assertions on ordering and
// serialization stay deterministic.
var FixtureTime = time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)

// Owner returns the owner snapshot behind AssignedRecord.
func Owner() domain.OwnerInfo {
	return domain.OwnerInfo{
		Email: "alice@example.com",
		Name:  "Alice Example",
		Phone: "+1 555 0101",
	}
}

// SecondOwner returns the owner snapshot behind ActivatedRecord.
func SecondOwner() domain.OwnerInfo {
	return domain.OwnerInfo{
		Email: "bob@example.com",
		Name:  "Bob Example",
	}
}

// AssignedRecord returns an issued record that has not been activated.
func AssignedRecord() *domain.LicenseRecord {
	o := Owner()
	return &domain.LicenseRecord{
		LicenseKey:   AssignedKey,
		OwnerEmail:   o.Email,
		OwnerName:    o.Name,
		OwnerPhone:   o.Phone,
		UserIdentity: AssignedIdentity,
		Status:       domain.LicenseStatusAssigned,
		CreatedAt:    FixtureTime,
	}
}

// ActivatedRecord returns a record bound to BoundMachineID.
func ActivatedRecord() *domain.LicenseRecord {
	o := SecondOwner()
	at := FixtureTime.Add(45 * time.Minute)
	return &domain.LicenseRecord{
		LicenseKey:     ActivatedKey,
		OwnerEmail:     o.Email,
		OwnerName:      o.Name,
		UserIdentity:   ActivatedIdentity,
		Status:         domain.LicenseStatusActivated,
		BoundMachineID: BoundMachineID,
		ActivatedAt:    &at,
		CreatedAt:      FixtureTime,
	}
}

// SeededStore returns a memory store with the given identities provisioned
// and still eligible. Without arguments it seeds the three canonical
// identities.
func SeededStore(t *testing.T, ids ...string) *store.MemoryStore {
	t.Helper()
	if len(ids) == 0 {
		ids = []string{AssignedIdentity, ActivatedIdentity, EligibleIdentity}
	}
	s := store.NewMemoryStore()
	added, err := s.Seed(context.Background(), ids)
	require.NoError(t, err)
	require.Equal(t, len(ids), added, "fixture identities must be distinct")
	return s
}

// PopulatedStore returns a memory store in the steady state most tests
// start from: the canonical identities seeded, AssignedRecord and
// ActivatedRecord persisted with their identities consumed, and
// EligibleIdentity left eligible for an issuance to claim.
func PopulatedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := SeededStore(t)
	InsertRecords(t, s, AssignedRecord(), ActivatedRecord())
	return s
}

// InsertRecords persists the records and consumes their identities so the
// store honors the one-license-per-identity invariant the lifecycle
// maintains in production.
func InsertRecords(t *testing.T, s *store.MemoryStore, recs ...*domain.LicenseRecord) {
	t.Helper()
	ctx := context.Background()
	for _, rec := range recs {
		ok, err := s.InsertIfAbsent(ctx, rec)
		require.NoError(t, err)
		require.True(t, ok, "fixture key %s already present", rec.LicenseKey)

		eligible, err := s.IsEligible(ctx, rec.UserIdentity)
		require.NoError(t, err)
		if eligible {
			consumed, err := s.TryConsume(ctx, rec.UserIdentity)
			require.NoError(t, err)
			require.True(t, consumed)
		}
	}
}
