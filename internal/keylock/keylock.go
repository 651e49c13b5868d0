// Package keylock provides named mutual-exclusion locks created on demand.
// Unlike a hashed key mutex, every key gets its own mutex, so unrelated
// games never serialize against each other. Locks are never destroyed; the
// key space is bounded by the number of live games and challenges.
package keylock

import (
	"fmt"
	"sync"

	"k8s.io/utils/keymutex"
)

// Key prefixes used by the launch pipeline.
const (
	DeployPrefix    = "deploy:"
	SyncStartPrefix = "syncstart:"
	ChallengePrefix = "challenge:"
)

// Registry implements keymutex.KeyMutex with exact per-key locks.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ keymutex.KeyMutex = (*Registry)(nil)

func New() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

func (r *Registry) get(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[id]
	if !ok {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	return m
}

// LockKey blocks until the lock for id is held by the caller.
func (r *Registry) LockKey(id string) {
	r.get(id).Lock()
}

// UnlockKey releases the lock for id. Unlocking a key that was never locked
// is an error rather than a panic.
func (r *Registry) UnlockKey(id string) error {
	r.mu.Lock()
	m, ok := r.locks[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("keylock: unlock of unknown key %q", id)
	}
	m.Unlock()
	return nil
}
