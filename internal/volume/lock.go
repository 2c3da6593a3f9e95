package volume

import (
	"sync"
)

// LockManager hands out per-volume advisory leases. A lease is held by
// provisioning, resize and delete for their duration and by a backup or
// restore job until its terminal write.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockManager creates an empty lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *LockManager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// TryLock acquires the lease for key without blocking
func (m *LockManager) TryLock(key string) bool {
	return m.lockFor(key).TryLock()
}

// Unlock releases the lease for key
func (m *LockManager) Unlock(key string) {
	m.lockFor(key).Unlock()
}
