package common

import "sync"

// keyedLockEntry a lock shared by every caller holding one key
type keyedLockEntry struct {
	sync.Mutex
	users int
}

// KeyedMutex a set of mutexes, one per key, created on demand and dropped when unused
type KeyedMutex struct {
	guard   sync.Mutex
	entries map[string]*keyedLockEntry
}

// Lock acquire the mutex of a key. Call the returned function to release it.
func (m *KeyedMutex) Lock(key string) func() {
	m.guard.Lock()
	if m.entries == nil {
		m.entries = make(map[string]*keyedLockEntry)
	}
	entry, ok := m.entries[key]
	if !ok {
		entry = &keyedLockEntry{}
		m.entries[key] = entry
	}
	entry.users++
	m.guard.Unlock()
	entry.Lock()
	return func() {
		entry.Unlock()
		m.guard.Lock()
		entry.users--
		if entry.users == 0 {
			delete(m.entries, key)
		}
		m.guard.Unlock()
	}
}

// Len number of keys currently held or waited on
func (m *KeyedMutex) Len() int {
	m.guard.Lock()
	defer m.guard.Unlock()
	return len(m.entries)
}
