package concurrency

import "sync"

// KeyedLocks marks keys as busy. Entries exist only while held, so the map
// never grows past the number of concurrent holders.
type KeyedLocks struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{busy: make(map[string]struct{})}
}

// TryLock claims key and reports false when another caller holds it.
func (k *KeyedLocks) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, held := k.busy[key]; held {
		return false
	}
	k.busy[key] = struct{}{}
	return true
}

func (k *KeyedLocks) Unlock(key string) {
	k.mu.Lock()
	delete(k.busy, key)
	k.mu.Unlock()
}

// Held reports whether key is currently claimed.
func (k *KeyedLocks) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, held := k.busy[key]
	return held
}
