// Package store defines the durable store contracts the license lifecycle
// runs on, plus the shipped backends (memory, postgres, mongo).
//
// Concurrency correctness lives in these contracts: TryConsume,
// InsertIfAbsent and CompareAndSwapStatus are the atomic primitives the
// lifecycle composes. Every backend implements them so that at most one
// concurrent caller observes success, because multiple service instances
// may run against the same backend and in-process locking proves nothing.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"

	"keygate/pkg/contracts/domain"
)

var (
	// ErrNotFound is returned by lookups when nothing matches.
	ErrNotFound = errors.New("store: record not found")

	// ErrDuplicateIdentity is returned when an insert would create a second
	// license for one user identity. The consumption protocol makes this
	// unreachable in the forward path; seeing it means a previous run left
	// state needing manual reconciliation, so it is not retried.
	ErrDuplicateIdentity = errors.New("store: duplicate user identity")

	// ErrUnavailable marks failures where the backend could not serve the
	// request at all. These are retryable and map to 503 at the API edge,
	// unlike domain misses which are final.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// classify wraps a backend error so callers can tell an unreachable store
// from a query that ran and missed. Network and deadline failures carry
// ErrUnavailable in their chain.
func classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

// AllowListStore owns user-identity consumption state. Identities enter the
// set through Seed (operator provisioning) and leave eligible state through
// TryConsume, exactly once; nothing deletes them.
type AllowListStore interface {
	// IsEligible reports whether id is provisioned and not yet consumed.
	IsEligible(ctx context.Context, id string) (bool, error)

	// TryConsume atomically transitions id from eligible to consumed.
	// At most one concurrent caller for a given id observes true; every
	// ineligibility reason returns false, not an error.
	TryConsume(ctx context.Context, id string) (bool, error)

	// Lookup returns the entry for id, or ErrNotFound if it was never
	// provisioned. Callers use it to tell not-found from already-used
	// when shaping rejections; it plays no part in consumption atomicity.
	Lookup(ctx context.Context, id string) (*domain.AllowListEntry, error)

	// Seed inserts the ids that are not already present and reports how
	// many were added. Existing entries keep their consumption state.
	Seed(ctx context.Context, ids []string) (int, error)

	// Count returns the number of provisioned identities.
	Count(ctx context.Context) (int64, error)
}

// LicenseStore owns license-record persistence. The insert is the true
// uniqueness enforcement point for license keys; generator pre-checks are
// an optimization only.
type LicenseStore interface {
	// InsertIfAbsent persists the record unless its license key already
	// exists; false means the key raced in and the caller should
	// regenerate. A user-identity collision returns ErrDuplicateIdentity
	// instead, since regenerating the key cannot resolve it.
	InsertIfAbsent(ctx context.Context, rec *domain.LicenseRecord) (bool, error)

	// FindByKey returns the record for a license key, or ErrNotFound.
	FindByKey(ctx context.Context, key string) (*domain.LicenseRecord, error)

	// FindByUserIdentity returns the record issued for a user identity, or
	// ErrNotFound. This is the reconciliation query for the documented
	// consumed-identity-without-record crash window.
	FindByUserIdentity(ctx context.Context, id string) (*domain.LicenseRecord, error)

	// CompareAndSwapStatus applies the activation fields iff the record's
	// current status equals expected. False means the status moved under
	// the caller, who re-reads and re-evaluates; it never reports whether
	// the key exists.
	CompareAndSwapStatus(ctx context.Context, key string, expected domain.LicenseStatus, act domain.Activation) (bool, error)
}

// Pinger is implemented by backends with a meaningful connectivity check;
// readiness probes use it when present.
type Pinger interface {
	Ping(ctx context.Context) error
}
