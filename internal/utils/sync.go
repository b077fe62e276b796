package utils

import (
	"sync"
)

// OptionalRWMutex is the lock guarding an allocator's lists. Writers hold it for the whole of an
// allocation or deallocation; statistics and dumps read under it. It is a no-op for allocators
// created externally synchronized.
type OptionalRWMutex struct {
	mutex    sync.RWMutex
	useMutex bool
}

// Init enables or disables the lock. It must be called before the lock is shared.
func (m *OptionalRWMutex) Init(useMutex bool) {
	m.useMutex = useMutex
}

func (m *OptionalRWMutex) Lock() {
	if m.useMutex {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.useMutex {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.useMutex {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.useMutex {
		m.mutex.RUnlock()
	}
}
