// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"fmt"
	"sync"
)

// LockManager serializes audits per session key.
//
// At most one holder exists per key; waiters are queued and granted in
// FIFO order, which gives same-key requests their ordering guarantee.
// Distinct keys are fully independent.
//
// Thread Safety: Safe for concurrent use.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is one key's state: whether it is held and who waits, in order.
type keyLock struct {
	held    bool
	waiters []chan struct{}
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*keyLock)}
}

// Acquire takes the lock for key, waiting FIFO behind earlier callers.
//
// # Inputs
//
//   - ctx: abandons the wait when done; the slot in the queue is given
//     up without disturbing other waiters.
//   - key: the session key.
//
// # Outputs
//
//   - func(): release. Must be called exactly once; releasing hands the
//     lock to the oldest waiter.
//   - error: ctx's error when the wait was abandoned.
func (m *LockManager) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	kl, ok := m.locks[key]
	if !ok {
		kl = &keyLock{}
		m.locks[key] = kl
	}

	if !kl.held {
		kl.held = true
		m.mu.Unlock()
		return func() { m.release(key) }, nil
	}

	grant := make(chan struct{})
	kl.waiters = append(kl.waiters, grant)
	m.mu.Unlock()

	select {
	case <-grant:
		return func() { m.release(key) }, nil
	case <-ctx.Done():
		m.abandon(key, grant)
		return nil, fmt.Errorf("session: waiting for lock on %s: %w", key, ctx.Err())
	}
}

// release hands the lock to the oldest waiter or frees the key.
func (m *LockManager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kl, ok := m.locks[key]
	if !ok {
		return
	}

	if len(kl.waiters) > 0 {
		grant := kl.waiters[0]
		kl.waiters = kl.waiters[1:]
		close(grant)
		return
	}

	kl.held = false
	delete(m.locks, key)
}

// abandon removes a waiter that gave up. If the grant raced the
// abandonment, the lock is passed on so it is never stranded.
func (m *LockManager) abandon(key string, grant chan struct{}) {
	m.mu.Lock()
	kl, ok := m.locks[key]
	if ok {
		for i, w := range kl.waiters {
			if w == grant {
				kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
				m.mu.Unlock()
				return
			}
		}
	}
	m.mu.Unlock()

	// Not in the queue: the grant already fired. Release on behalf of
	// the abandoning caller.
	select {
	case <-grant:
		m.release(key)
	default:
	}
}

// Waiters returns the queue length for key. Intended for tests and
// health reporting.
func (m *LockManager) Waiters(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kl, ok := m.locks[key]; ok {
		return len(kl.waiters)
	}
	return 0
}
