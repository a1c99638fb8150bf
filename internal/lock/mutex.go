// Package lock provides a FIFO mutex that can run a function under the lock.
package lock

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Mutex is a context-aware lock that hands ownership to waiters in arrival
// order. Use New to create one; the zero value is not usable.
type Mutex struct {
	sem    *semaphore.Weighted
	locked atomic.Bool
}

// New creates an unlocked Mutex
func New() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the lock is acquired or ctx is done
func (m *Mutex) Lock(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	m.locked.Store(true)
	return nil
}

// TryLock acquires the lock only if nobody holds it or waits for it
func (m *Mutex) TryLock() bool {
	if !m.sem.TryAcquire(1) {
		return false
	}
	m.locked.Store(true)
	return true
}

// Unlock releases the lock, waking the longest waiting caller
func (m *Mutex) Unlock() {
	m.locked.Store(false)
	m.sem.Release(1)
}

// Locked reports whether the lock is currently held
func (m *Mutex) Locked() bool {
	return m.locked.Load()
}

// Run executes fn while holding the lock and returns its error
func (m *Mutex) Run(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, m, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// TryRun executes fn under the lock if it is free. It reports false without
// calling fn when the lock is already taken.
func (m *Mutex) TryRun(ctx context.Context, fn func(context.Context) error) (bool, error) {
	if !m.TryLock() {
		return false, nil
	}
	defer m.Unlock()
	return true, fn(ctx)
}

// Do executes fn under m and returns its result. The lock is released even
// if fn panics.
func Do[T any](ctx context.Context, m *Mutex, fn func(context.Context) (T, error)) (T, error) {
	if err := m.Lock(ctx); err != nil {
		var zero T
		return zero, err
	}
	defer m.Unlock()
	return fn(ctx)
}
