package hosting

import (
	"context"
	"sync"
)

// keyedMutex serializes work per key. Entries are dropped once nobody
// holds or waits for them.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

func (k *keyedMutex) acquire(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *keyedMutex) release(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Lock blocks until key is free or ctx is done.
func (k *keyedMutex) Lock(ctx context.Context, key string) error {
	e := k.acquire(key)
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.release(key, e)
		return ctx.Err()
	}
}

// TryLock takes key only if it is free.
func (k *keyedMutex) TryLock(key string) bool {
	e := k.acquire(key)
	select {
	case e.sem <- struct{}{}:
		return true
	default:
		k.release(key, e)
		return false
	}
}

// Unlock frees key. It must be held.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	e := k.entries[key]
	k.mu.Unlock()
	<-e.sem
	k.release(key, e)
}
