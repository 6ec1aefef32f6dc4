// Package license implements the credential state machine at the heart of
// the KeyGate service: allow-list gated issuance of license keys and the
// one-machine activation binding.
//
// # Lifecycle
//
// A license moves through exactly two states:
//
//	ASSIGNED   key issued to an allow-listed identity, not yet bound
//	ACTIVATED  key bound to one machine, permanently
//
// Issuance consumes the requesting user identity from the allow-list
// (exactly once, enforced by the store's atomic consume), generates a
// unique key and persists the record. Activation binds the key to a
// machine via a status compare-and-swap; repeating the call from the bound
// machine is an idempotent success, any other machine is denied for the
// lifetime of the record.
//
// # Key Format
//
// Keys are three groups of four uppercase alphanumerics:
//
//	K7QX-29MF-AB3D
//
// drawn from crypto/rand. The space is large but finite, so generation
// never trusts the format for uniqueness: the store's insert-if-absent is
// the enforcement point and the generator's existence pre-check is only an
// optimization.
//
// # Concurrency
//
// The package holds no locks and owns no persisted state. Correctness
// under concurrent requests, including multiple service instances sharing
// one backend, rests entirely on the three store primitives: TryConsume,
// InsertIfAbsent and CompareAndSwapStatus.
//
// # Error Handling
//
// The flows return sentinel errors (ErrIdentityIneligible,
// ErrIdentityAlreadyConsumed, ErrRecordNotFound, ErrEmailMismatch,
// ErrMachineMismatch) that the transport layer maps to problem responses.
// A repeated activation from the bound machine is not an error; it is
// reported through ActivationResult.AlreadyActivated.
package license
