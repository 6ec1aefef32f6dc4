package license

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

func testOwner() domain.OwnerInfo {
	return domain.OwnerInfo{
		Email: "User@Example.com ",
		Name:  " Dana Example",
		Phone: "+1 555 0100",
	}
}

func newTestLifecycle(t *testing.T, ids ...string) (*Lifecycle, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	if len(ids) > 0 {
		_, err := mem.Seed(context.Background(), ids)
		require.NoError(t, err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLifecycle(mem, mem, nil, logger), mem
}

// flakyLicenseStore forces InsertIfAbsent to miss a set number of times,
// simulating candidates racing into the store between check and insert.
type flakyLicenseStore struct {
	store.LicenseStore
	misses int
}

func (f *flakyLicenseStore) InsertIfAbsent(ctx context.Context, rec *domain.LicenseRecord) (bool, error) {
	if f.misses > 0 {
		f.misses--
		return false, nil
	}
	return f.LicenseStore.InsertIfAbsent(ctx, rec)
}

// failingLicenseStore refuses every insert, for exercising the
// consumed-identity-without-record window.
type failingLicenseStore struct {
	store.LicenseStore
}

func (failingLicenseStore) InsertIfAbsent(context.Context, *domain.LicenseRecord) (bool, error) {
	return false, errors.New("backend offline")
}

// casRaceStore runs a hook before the first CompareAndSwapStatus call so a
// competing activation can be injected deterministically.
type casRaceStore struct {
	store.LicenseStore
	once    sync.Once
	preSwap func()
}

func (c *casRaceStore) CompareAndSwapStatus(ctx context.Context, key string, expected domain.LicenseStatus, act domain.Activation) (bool, error) {
	c.once.Do(c.preSwap)
	return c.LicenseStore.CompareAndSwapStatus(ctx, key, expected, act)
}

func TestIssue(t *testing.T) {
	ctx := context.Background()

	t.Run("IssuesAssignedRecord", func(t *testing.T) {
		lc, mem := newTestLifecycle(t, "U123")

		rec, err := lc.Issue(ctx, "U123", testOwner())
		require.NoError(t, err)
		require.NotNil(t, rec)

		assert.Regexp(t, KeyPattern, rec.LicenseKey)
		assert.Len(t, rec.LicenseKey, KeyLength)
		assert.Equal(t, domain.LicenseStatusAssigned, rec.Status)
		assert.Equal(t, "user@example.com", rec.OwnerEmail, "email stored normalized")
		assert.Equal(t, "Dana Example", rec.OwnerName)
		assert.Equal(t, "U123", rec.UserIdentity)
		assert.Empty(t, rec.BoundMachineID)
		assert.Nil(t, rec.ActivatedAt)

		entry, err := mem.Lookup(ctx, "U123")
		require.NoError(t, err)
		assert.True(t, entry.Consumed, "issuance must consume the identity")

		stored, err := mem.FindByUserIdentity(ctx, "U123")
		require.NoError(t, err)
		assert.Equal(t, rec.LicenseKey, stored.LicenseKey)
	})

	t.Run("UnknownIdentityDenied", func(t *testing.T) {
		lc, _ := newTestLifecycle(t, "U123")

		_, err := lc.Issue(ctx, "U999", testOwner())
		assert.ErrorIs(t, err, ErrIdentityIneligible)
	})

	t.Run("SecondIssueDenied", func(t *testing.T) {
		lc, _ := newTestLifecycle(t, "U123")

		_, err := lc.Issue(ctx, "U123", testOwner())
		require.NoError(t, err)

		_, err = lc.Issue(ctx, "U123", testOwner())
		assert.ErrorIs(t, err, ErrIdentityAlreadyConsumed)
	})

	t.Run("KeyRaceRegenerates", func(t *testing.T) {
		mem := store.NewMemoryStore()
		_, err := mem.Seed(ctx, []string{"U123"})
		require.NoError(t, err)

		flaky := &flakyLicenseStore{LicenseStore: mem, misses: 2}
		lc := NewLifecycle(mem, flaky, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

		rec, err := lc.Issue(ctx, "U123", testOwner())
		require.NoError(t, err, "two insert misses must be absorbed by regeneration")
		assert.Regexp(t, KeyPattern, rec.LicenseKey)
		assert.Zero(t, flaky.misses)
	})

	t.Run("InsertBudgetExhausted", func(t *testing.T) {
		mem := store.NewMemoryStore()
		_, err := mem.Seed(ctx, []string{"U123"})
		require.NoError(t, err)

		flaky := &flakyLicenseStore{LicenseStore: mem, misses: 100}
		lc := NewLifecycle(mem, flaky, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

		_, err = lc.Issue(ctx, "U123", testOwner())
		assert.ErrorIs(t, err, ErrKeyCollision)
	})

	t.Run("ConsumedWithoutRecordOnStoreFailure", func(t *testing.T) {
		mem := store.NewMemoryStore()
		_, err := mem.Seed(ctx, []string{"U123"})
		require.NoError(t, err)

		lc := NewLifecycle(mem, failingLicenseStore{LicenseStore: mem}, nil,
			slog.New(slog.NewTextHandler(io.Discard, nil)))

		_, err = lc.Issue(ctx, "U123", testOwner())
		require.Error(t, err)

		// The documented gap: the identity stays consumed even though no
		// record was persisted. Reconciliation finds it by identity lookup.
		entry, err := mem.Lookup(ctx, "U123")
		require.NoError(t, err)
		assert.True(t, entry.Consumed)

		_, err = mem.FindByUserIdentity(ctx, "U123")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestIssueConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	lc, mem := newTestLifecycle(t, "U777")

	const racers = 24
	var successes atomic.Int64
	loserErrs := make(chan error, racers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < racers; i++ {
		g.Go(func() error {
			_, err := lc.Issue(gctx, "U777", testOwner())
			if err == nil {
				successes.Add(1)
				return nil
			}
			loserErrs <- err
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(loserErrs)

	assert.Equal(t, int64(1), successes.Load(), "exactly one issue may win")
	for err := range loserErrs {
		assert.ErrorIs(t, err, ErrIdentityAlreadyConsumed)
	}

	_, err := mem.FindByUserIdentity(ctx, "U777")
	assert.NoError(t, err, "the winner's record must exist")
}

func TestIssuedKeysUnique(t *testing.T) {
	ctx := context.Background()

	const identities = 60
	ids := make([]string, identities)
	for i := range ids {
		ids[i] = fmt.Sprintf("U%03d", i)
	}
	lc, _ := newTestLifecycle(t, ids...)

	var mu sync.Mutex
	keys := make(map[string]string, identities)

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			rec, err := lc.Issue(gctx, id, testOwner())
			if err != nil {
				return fmt.Errorf("issue %s: %w", id, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := keys[rec.LicenseKey]; dup {
				return fmt.Errorf("key %s issued to both %s and %s", rec.LicenseKey, prev, id)
			}
			keys[rec.LicenseKey] = id
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, keys, identities)
	for key := range keys {
		assert.Regexp(t, KeyPattern, key)
	}
}

func TestActivate(t *testing.T) {
	ctx := context.Background()

	issue := func(t *testing.T) (*Lifecycle, *store.MemoryStore, string) {
		t.Helper()
		lc, mem := newTestLifecycle(t, "U123")
		rec, err := lc.Issue(ctx, "U123", testOwner())
		require.NoError(t, err)
		return lc, mem, rec.LicenseKey
	}

	t.Run("FirstActivationBinds", func(t *testing.T) {
		lc, mem, key := issue(t)
		t0 := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
		lc.now = func() time.Time { return t0 }

		res, err := lc.Activate(ctx, key, "user@example.com", "mach-1")
		require.NoError(t, err)
		assert.False(t, res.AlreadyActivated)
		assert.Equal(t, domain.LicenseStatusActivated, res.Record.Status)
		assert.Equal(t, "mach-1", res.Record.BoundMachineID)
		require.NotNil(t, res.Record.ActivatedAt)
		assert.Equal(t, t0, *res.Record.ActivatedAt)

		stored, err := mem.FindByKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, domain.LicenseStatusActivated, stored.Status)
		assert.Equal(t, "mach-1", stored.BoundMachineID)
	})

	t.Run("RepeatFromSameMachineIdempotent", func(t *testing.T) {
		lc, _, key := issue(t)
		t0 := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
		lc.now = func() time.Time { return t0 }

		_, err := lc.Activate(ctx, key, "user@example.com", "mach-1")
		require.NoError(t, err)

		// Later repeat must not touch the binding timestamp.
		lc.now = func() time.Time { return t0.Add(48 * time.Hour) }
		res, err := lc.Activate(ctx, key, "user@example.com", "mach-1")
		require.NoError(t, err, "repeat from the bound machine is never an error")
		assert.True(t, res.AlreadyActivated)
		require.NotNil(t, res.Record.ActivatedAt)
		assert.Equal(t, t0, *res.Record.ActivatedAt)
	})

	t.Run("SecondMachineDenied", func(t *testing.T) {
		lc, mem, key := issue(t)

		_, err := lc.Activate(ctx, key, "user@example.com", "mach-1")
		require.NoError(t, err)

		_, err = lc.Activate(ctx, key, "user@example.com", "mach-2")
		assert.ErrorIs(t, err, ErrMachineMismatch)

		stored, err := mem.FindByKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "mach-1", stored.BoundMachineID, "denied attempt must not rebind")
	})

	t.Run("UnknownKey", func(t *testing.T) {
		lc, _, _ := issue(t)
		_, err := lc.Activate(ctx, "ZZZZ-ZZZZ-ZZZZ", "user@example.com", "mach-1")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("EmailMismatch", func(t *testing.T) {
		lc, _, key := issue(t)
		_, err := lc.Activate(ctx, key, "other@example.com", "mach-1")
		assert.ErrorIs(t, err, ErrEmailMismatch)
	})

	t.Run("EmailComparedNormalized", func(t *testing.T) {
		lc, _, key := issue(t)
		res, err := lc.Activate(ctx, key, "  uSER@EXAMPLE.COM ", "mach-1")
		require.NoError(t, err)
		assert.Equal(t, "mach-1", res.Record.BoundMachineID)
	})

	t.Run("KeyInputNormalized", func(t *testing.T) {
		lc, _, key := issue(t)
		mangled := " " + key[:4] + key[5:9] + key[10:] + " "
		res, err := lc.Activate(ctx, mangled, "user@example.com", "mach-1")
		require.NoError(t, err)
		assert.Equal(t, key, res.Record.LicenseKey)
	})

	t.Run("LostSwapFallsIntoMismatch", func(t *testing.T) {
		lc, mem, key := issue(t)

		raced := &casRaceStore{
			LicenseStore: mem,
			preSwap: func() {
				// A competing activator wins just before our swap.
				ok, err := mem.CompareAndSwapStatus(ctx, key, domain.LicenseStatusAssigned,
					domain.Activation{MachineID: "mach-other", ActivatedAt: time.Now().UTC()})
				require.NoError(t, err)
				require.True(t, ok)
			},
		}
		lc.licenses = raced

		_, err := lc.Activate(ctx, key, "user@example.com", "mach-1")
		assert.ErrorIs(t, err, ErrMachineMismatch)

		stored, err := mem.FindByKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "mach-other", stored.BoundMachineID)
	})
}

func TestActivateConcurrent(t *testing.T) {
	ctx := context.Background()

	t.Run("DistinctMachinesOneWinner", func(t *testing.T) {
		lc, mem := newTestLifecycle(t, "U123")
		rec, err := lc.Issue(ctx, "U123", testOwner())
		require.NoError(t, err)

		const racers = 16
		var successes, mismatches atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < racers; i++ {
			machine := fmt.Sprintf("mach-%02d", i)
			g.Go(func() error {
				_, err := lc.Activate(gctx, rec.LicenseKey, "user@example.com", machine)
				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, ErrMachineMismatch):
					mismatches.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int64(1), successes.Load(), "exactly one machine may bind")
		assert.Equal(t, int64(racers-1), mismatches.Load())

		stored, err := mem.FindByKey(ctx, rec.LicenseKey)
		require.NoError(t, err)
		assert.Equal(t, domain.LicenseStatusActivated, stored.Status)
		assert.NotEmpty(t, stored.BoundMachineID)
	})

	t.Run("SameMachineAllSucceed", func(t *testing.T) {
		lc, _ := newTestLifecycle(t, "U123")
		rec, err := lc.Issue(ctx, "U123", testOwner())
		require.NoError(t, err)

		const racers = 16
		var firstBindings, repeats atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < racers; i++ {
			g.Go(func() error {
				res, err := lc.Activate(gctx, rec.LicenseKey, "user@example.com", "mach-1")
				if err != nil {
					return err
				}
				if res.AlreadyActivated {
					repeats.Add(1)
				} else {
					firstBindings.Add(1)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int64(1), firstBindings.Load())
		assert.Equal(t, int64(racers-1), repeats.Load())
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	lc, _ := newTestLifecycle(t, "U123")
	rec, err := lc.Issue(ctx, "U123", testOwner())
	require.NoError(t, err)

	got, err := lc.Status(ctx, rec.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, rec.LicenseKey, got.LicenseKey)
	assert.Equal(t, domain.LicenseStatusAssigned, got.Status)

	_, err = lc.Status(ctx, "ZZZZ-ZZZZ-ZZZZ")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
