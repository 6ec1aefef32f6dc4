package store

import (
	"context"
	"sync"
	"time"

	"keygate/pkg/contracts/domain"
)

// MemoryStore implements AllowListStore and LicenseStore with in-process
// maps. It backs tests and single-node evaluation deployments; durable
// deployments use the postgres or mongo backends. It is never layered as a
// cache in front of them.
type MemoryStore struct {
	mu        sync.Mutex
	allowlist map[string]*domain.AllowListEntry
	byKey     map[string]*domain.LicenseRecord
	byUser    map[string]string

	now func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		allowlist: make(map[string]*domain.AllowListEntry),
		byKey:     make(map[string]*domain.LicenseRecord),
		byUser:    make(map[string]string),
		now:       time.Now,
	}
}

// IsEligible implements AllowListStore.
func (s *MemoryStore) IsEligible(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.allowlist[id]
	return ok && !entry.Consumed, nil
}

// TryConsume implements AllowListStore.
func (s *MemoryStore) TryConsume(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.allowlist[id]
	if !ok || entry.Consumed {
		return false, nil
	}
	ts := s.now().UTC()
	entry.Consumed = true
	entry.ConsumedAt = &ts
	return true, nil
}

// Lookup implements AllowListStore.
func (s *MemoryStore) Lookup(_ context.Context, id string) (*domain.AllowListEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.allowlist[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	if entry.ConsumedAt != nil {
		t := *entry.ConsumedAt
		cp.ConsumedAt = &t
	}
	return &cp, nil
}

// Seed implements AllowListStore.
func (s *MemoryStore) Seed(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.allowlist[id]; ok {
			continue
		}
		s.allowlist[id] = &domain.AllowListEntry{UserID: id}
		added++
	}
	return added, nil
}

// Count implements AllowListStore.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.allowlist)), nil
}

// InsertIfAbsent implements LicenseStore.
func (s *MemoryStore) InsertIfAbsent(_ context.Context, rec *domain.LicenseRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[rec.LicenseKey]; ok {
		return false, nil
	}
	if _, ok := s.byUser[rec.UserIdentity]; ok {
		return false, ErrDuplicateIdentity
	}
	cp := rec.Clone()
	s.byKey[cp.LicenseKey] = cp
	s.byUser[cp.UserIdentity] = cp.LicenseKey
	return true, nil
}

// FindByKey implements LicenseStore.
func (s *MemoryStore) FindByKey(_ context.Context, key string) (*domain.LicenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// FindByUserIdentity implements LicenseStore.
func (s *MemoryStore) FindByUserIdentity(_ context.Context, id string) (*domain.LicenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byUser[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byKey[key].Clone(), nil
}

// CompareAndSwapStatus implements LicenseStore.
func (s *MemoryStore) CompareAndSwapStatus(_ context.Context, key string, expected domain.LicenseStatus, act domain.Activation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[key]
	if !ok || rec.Status != expected {
		return false, nil
	}
	ts := act.ActivatedAt.UTC()
	rec.Status = domain.LicenseStatusActivated
	rec.BoundMachineID = act.MachineID
	rec.ActivatedAt = &ts
	return true, nil
}

// Ping implements Pinger; an in-process store is always reachable.
func (s *MemoryStore) Ping(context.Context) error { return nil }
