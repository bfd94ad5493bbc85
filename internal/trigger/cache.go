package trigger

import (
	"container/list"
	"sync"
)

// KnownIdentities is a bounded LRU of identities that already have a
// durable onboarding record. The watcher adds an identity only after
// Provision returns successfully, so a failed attempt is retried on the
// next poll.
type KnownIdentities struct {
	mu    sync.Mutex
	size  int
	order *list.List
	items map[string]*list.Element
}

func NewKnownIdentities(size int) *KnownIdentities {
	if size <= 0 {
		size = 10000
	}
	return &KnownIdentities{
		size:  size,
		order: list.New(),
		items: make(map[string]*list.Element, size),
	}
}

// Contains reports whether identity is cached and marks it recently used.
func (k *KnownIdentities) Contains(identity string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	el, ok := k.items[identity]
	if ok {
		k.order.MoveToFront(el)
	}
	return ok
}

// Add caches identity, evicting the least recently used entry when full.
func (k *KnownIdentities) Add(identity string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if el, ok := k.items[identity]; ok {
		k.order.MoveToFront(el)
		return
	}
	k.items[identity] = k.order.PushFront(identity)

	for k.order.Len() > k.size {
		oldest := k.order.Back()
		k.order.Remove(oldest)
		delete(k.items, oldest.Value.(string))
	}
}

// Remove forgets identity, e.g. after its record was cancelled.
func (k *KnownIdentities) Remove(identity string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if el, ok := k.items[identity]; ok {
		k.order.Remove(el)
		delete(k.items, identity)
	}
}

func (k *KnownIdentities) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.order.Len()
}
