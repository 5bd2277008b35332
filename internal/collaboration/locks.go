package collaboration

import (
	"context"
	"sync"
	"time"
)

// DefaultLockTTL is how long a lock lives without renewal.
const DefaultLockTTL = 30 * time.Second

// Lock is an advisory exclusive claim on one session while it is being edited.
type Lock struct {
	EventID    string    `json:"eventId"`
	OwnerID    string    `json:"ownerActorId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// LockStore grants at most one live lock per event. Acquire by the current owner renews.
type LockStore interface {
	// Acquire returns the live lock and whether ownerID holds it after the call.
	Acquire(ctx context.Context, eventID, ownerID string, now time.Time, ttl time.Duration) (Lock, bool, error)
	// Release drops the lock if ownerID holds it.
	Release(ctx context.Context, eventID, ownerID string) (bool, error)
	// Get returns the live lock, if any.
	Get(ctx context.Context, eventID string, now time.Time) (Lock, bool, error)
}

// MemoryLockStore keeps locks in process. Expired entries are treated as absent.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]Lock
}

// NewMemoryLockStore returns an empty store.
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]Lock)}
}

func (m *MemoryLockStore) Acquire(_ context.Context, eventID, ownerID string, now time.Time, ttl time.Duration) (Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.locks[eventID]
	if ok && now.Before(current.ExpiresAt) {
		if current.OwnerID != ownerID {
			return current, false, nil
		}
		current.ExpiresAt = now.Add(ttl)
		m.locks[eventID] = current
		return current, true, nil
	}
	lock := Lock{EventID: eventID, OwnerID: ownerID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	m.locks[eventID] = lock
	return lock, true, nil
}

func (m *MemoryLockStore) Release(_ context.Context, eventID, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.locks[eventID]
	if !ok || current.OwnerID != ownerID {
		return false, nil
	}
	delete(m.locks, eventID)
	return true, nil
}

func (m *MemoryLockStore) Get(_ context.Context, eventID string, now time.Time) (Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.locks[eventID]
	if !ok {
		return Lock{}, false, nil
	}
	if !now.Before(current.ExpiresAt) {
		delete(m.locks, eventID)
		return Lock{}, false, nil
	}
	return current, true, nil
}
