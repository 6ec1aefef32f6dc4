package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

// maxInsertAttempts bounds the regenerate-and-reinsert loop. Each retry
// means a candidate key raced into the store between the existence check
// and the insert, which at 36^12 keys is vanishingly rare.
const maxInsertAttempts = 5

// Lifecycle is the issue/activate orchestrator. It owns no persisted state
// and holds no locks; every guarantee it gives comes from composing the
// stores' atomic primitives in the right order.
type Lifecycle struct {
	allowlist store.AllowListStore
	licenses  store.LicenseStore
	keygen    *KeyGenerator
	logger    *slog.Logger

	now func() time.Time
}

// NewLifecycle wires the orchestrator. A nil logger falls back to
// slog.Default; the key generator is created with its default budget when
// nil is passed.
func NewLifecycle(allowlist store.AllowListStore, licenses store.LicenseStore, keygen *KeyGenerator, logger *slog.Logger) *Lifecycle {
	if keygen == nil {
		keygen = NewKeyGenerator(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		allowlist: allowlist,
		licenses:  licenses,
		keygen:    keygen,
		logger:    logger.With(slog.String("component", "license.lifecycle")),
		now:       time.Now,
	}
}

// Issue consumes userID from the allow-list and persists a fresh ASSIGNED
// record with a unique key. Exactly one concurrent call per identity can
// succeed; the rest receive ErrIdentityAlreadyConsumed.
func (l *Lifecycle) Issue(ctx context.Context, userID string, owner domain.OwnerInfo) (*domain.LicenseRecord, error) {
	userID = strings.TrimSpace(userID)
	owner = owner.Normalize()

	eligible, err := l.allowlist.IsEligible(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check eligibility: %w", err)
	}
	if !eligible {
		return nil, l.classifyDenial(ctx, userID)
	}

	consumed, err := l.allowlist.TryConsume(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("consume identity: %w", err)
	}
	if !consumed {
		// Passed the eligibility check but lost the consume race.
		l.logger.WarnContext(ctx, "issuance denied: identity consumed by concurrent request",
			slog.String("user_id", userID))
		return nil, ErrIdentityAlreadyConsumed
	}

	// The identity is now consumed for good; nothing below rolls it back.
	// If persistence fails here the identity is left consumed with no
	// record, so both sides of the gap are logged with the identity and
	// FindByUserIdentity serves as the reconciliation query.
	rec, err := l.persistNewRecord(ctx, userID, owner)
	if err != nil {
		l.logger.ErrorContext(ctx, "identity consumed but no license persisted, manual reconciliation required",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return nil, err
	}

	l.logger.InfoContext(ctx, "license issued",
		slog.String("user_id", userID),
		slog.String("license_key", MaskKey(rec.LicenseKey)),
		slog.String("key_hash", AuditHash(rec.LicenseKey)))
	return rec, nil
}

// classifyDenial distinguishes never-provisioned from already-used for
// logging and messaging. Both deny the operation.
func (l *Lifecycle) classifyDenial(ctx context.Context, userID string) error {
	entry, err := l.allowlist.Lookup(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		l.logger.InfoContext(ctx, "issuance denied: identity not provisioned",
			slog.String("user_id", userID))
		return ErrIdentityIneligible
	case err != nil:
		return fmt.Errorf("lookup identity: %w", err)
	case entry.Consumed:
		l.logger.InfoContext(ctx, "issuance denied: identity already consumed",
			slog.String("user_id", userID))
		return ErrIdentityAlreadyConsumed
	default:
		// Entries never return to eligible, so this branch would need the
		// store to contradict itself; deny conservatively.
		return ErrIdentityIneligible
	}
}

func (l *Lifecycle) persistNewRecord(ctx context.Context, userID string, owner domain.OwnerInfo) (*domain.LicenseRecord, error) {
	exists := func(ctx context.Context, key string) (bool, error) {
		_, err := l.licenses.FindByKey(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}

	for attempt := 1; attempt <= maxInsertAttempts; attempt++ {
		key, err := l.keygen.GenerateUnique(ctx, exists)
		if err != nil {
			return nil, fmt.Errorf("generate license key: %w", err)
		}

		rec := &domain.LicenseRecord{
			LicenseKey:   key,
			OwnerEmail:   owner.Email,
			OwnerName:    owner.Name,
			OwnerPhone:   owner.Phone,
			UserIdentity: userID,
			Status:       domain.LicenseStatusAssigned,
			CreatedAt:    l.now().UTC(),
		}

		inserted, err := l.licenses.InsertIfAbsent(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("persist license: %w", err)
		}
		if inserted {
			return rec, nil
		}

		// The candidate raced into the store after the existence check.
		// Regenerating is the sole retry loop in the issue flow.
		l.logger.WarnContext(ctx, "license key collided at insert, regenerating",
			slog.Int("attempt", attempt),
			slog.String("key_hash", AuditHash(key)))
	}
	return nil, fmt.Errorf("persist license: %w", ErrKeyCollision)
}

// Activate binds key to machineID, idempotently for the machine that won
// the first binding. The email must match the issuance snapshot.
func (l *Lifecycle) Activate(ctx context.Context, key, email, machineID string) (*domain.ActivationResult, error) {
	key = NormalizeKey(key)
	email = strings.ToLower(strings.TrimSpace(email))
	machineID = strings.TrimSpace(machineID)

	for {
		rec, err := l.licenses.FindByKey(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			l.logger.InfoContext(ctx, "activation denied: unknown license key",
				slog.String("key_hash", AuditHash(key)))
			return nil, ErrRecordNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("find license: %w", err)
		}

		if rec.OwnerEmail != email {
			l.logger.InfoContext(ctx, "activation denied: email mismatch",
				slog.String("license_key", MaskKey(key)))
			return nil, ErrEmailMismatch
		}

		if rec.IsActivated() {
			if rec.BoundMachineID == machineID {
				// Idempotent repeat from the bound machine.
				l.logger.InfoContext(ctx, "activation repeated from bound machine",
					slog.String("license_key", MaskKey(key)),
					slog.String("machine_id", machineID))
				return &domain.ActivationResult{Record: rec, AlreadyActivated: true}, nil
			}
			l.logger.InfoContext(ctx, "activation denied: bound to different machine",
				slog.String("license_key", MaskKey(key)),
				slog.String("machine_id", machineID))
			return nil, ErrMachineMismatch
		}

		activatedAt := l.now().UTC()
		swapped, err := l.licenses.CompareAndSwapStatus(ctx, key, domain.LicenseStatusAssigned,
			domain.Activation{MachineID: machineID, ActivatedAt: activatedAt})
		if err != nil {
			return nil, fmt.Errorf("activate license: %w", err)
		}
		if swapped {
			rec.Status = domain.LicenseStatusActivated
			rec.BoundMachineID = machineID
			rec.ActivatedAt = &activatedAt
			l.logger.InfoContext(ctx, "license activated",
				slog.String("license_key", MaskKey(key)),
				slog.String("key_hash", AuditHash(key)),
				slog.String("machine_id", machineID))
			return &domain.ActivationResult{Record: rec}, nil
		}

		// Lost the swap to a concurrent activator. Statuses only move
		// forward, so the re-read lands in one of the activated branches.
	}
}

// Status returns the current record for a key, for support lookups.
func (l *Lifecycle) Status(ctx context.Context, key string) (*domain.LicenseRecord, error) {
	rec, err := l.licenses.FindByKey(ctx, NormalizeKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find license: %w", err)
	}
	return rec, nil
}
