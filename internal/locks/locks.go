// Package locks provides per-key mutexes. Sagas, the failure handler and
// the workers take an account's lock around every snapshot
// read-modify-write so no two effects interleave between a read and its
// corresponding write.
package locks

import "sync"

// Keyed hands out one mutex per key. Mutexes are never evicted; the key
// space is bounded by the number of live accounts on this node.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyed creates an empty lock registry.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*sync.Mutex)}
}

func (k *Keyed) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// Lock acquires the mutex for key.
func (k *Keyed) Lock(key string) {
	k.get(key).Lock()
}

// Unlock releases the mutex for key.
func (k *Keyed) Unlock(key string) {
	k.get(key).Unlock()
}

// With runs fn while holding the mutex for key.
func (k *Keyed) With(key string, fn func() error) error {
	m := k.get(key)
	m.Lock()
	defer m.Unlock()
	return fn()
}
