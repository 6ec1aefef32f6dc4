package license

import "errors"

// Sentinel errors for the issue and activate flows. The transport layer
// maps them onto problem responses; everything else that escapes the
// package is a wrapped store failure.
var (
	// ErrIdentityIneligible denies issuance for an identity that was never
	// provisioned on the allow-list.
	ErrIdentityIneligible = errors.New("identity not on allow-list")

	// ErrIdentityAlreadyConsumed denies issuance for an identity whose one
	// license has already been issued, including losing a concurrent race.
	ErrIdentityAlreadyConsumed = errors.New("identity already consumed")

	// ErrRecordNotFound denies activation of an unknown license key.
	ErrRecordNotFound = errors.New("license record not found")

	// ErrEmailMismatch denies activation when the caller's email does not
	// match the owner snapshot taken at issuance.
	ErrEmailMismatch = errors.New("owner email mismatch")

	// ErrMachineMismatch denies activation from any machine other than the
	// one the key was first bound to. One license, one machine, for life.
	ErrMachineMismatch = errors.New("license bound to a different machine")

	// ErrKeyCollision reports an exhausted generation budget. It stays
	// internal: callers see it only wrapped inside a server-fault error,
	// never as a client-visible rejection.
	ErrKeyCollision = errors.New("license key space exhausted after retries")
)
