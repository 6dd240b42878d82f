// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	m := NewLockManager()

	release, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 0, m.Waiters("k"))
	release()

	// Re-acquirable after release.
	release, err = m.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
}

func TestDistinctKeysIndependent(t *testing.T) {
	m := NewLockManager()

	r1, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer r1()

	done := make(chan struct{})
	go func() {
		r2, err := m.Acquire(context.Background(), "b")
		assert.NoError(t, err)
		r2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("distinct key blocked behind unrelated holder")
	}
}

func TestFIFOOrder(t *testing.T) {
	m := NewLockManager()

	hold, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)

	const waiters = 5
	var mu sync.Mutex
	var order []int
	ready := make(chan struct{}, waiters)
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ready <- struct{}{}
			release, err := m.Acquire(context.Background(), "k")
			require.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			release()
		}(i)
		// Serialize queue entry so arrival order is deterministic.
		<-ready
		for m.Waiters("k") < i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	hold()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestAcquireContextCancelled(t *testing.T) {
	m := NewLockManager()

	hold, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.Waiters("k"))

	// The abandoned waiter must not disturb the queue: a later waiter
	// still gets the lock on release.
	done := make(chan struct{})
	go func() {
		release, err := m.Acquire(context.Background(), "k")
		assert.NoError(t, err)
		release()
		close(done)
	}()
	for m.Waiters("k") < 1 {
		time.Sleep(time.Millisecond)
	}
	hold()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never granted after abandonment")
	}
}

func TestMutualExclusion(t *testing.T) {
	m := NewLockManager()

	var counter, peak int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "k")
			require.NoError(t, err)
			defer release()

			mu.Lock()
			counter++
			if counter > peak {
				peak = counter
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak, "at most one holder per key")
}
