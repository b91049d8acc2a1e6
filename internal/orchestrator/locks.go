package orchestrator

import (
	"context"
	"sync"
)

// LockManager serializes runs per thread. A thread's messages are only ever
// appended by the run holding its lock, so two concurrent runs on the same
// thread can never interleave their sequences.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

// threadLock is a one-slot channel; holding the token in the channel is
// holding the lock. waiters counts every goroutine that still references the
// entry, holder included, so the map entry can be dropped at zero.
type threadLock struct {
	ch      chan struct{}
	waiters int
}

// NewLockManager creates an empty manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*threadLock)}
}

// Acquire blocks until the thread's lock is free or ctx is done. On success
// the returned release function must be called; calling it more than once is
// a no-op.
func (m *LockManager) Acquire(ctx context.Context, threadID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	l, ok := m.locks[threadID]
	if !ok {
		l = &threadLock{ch: make(chan struct{}, 1)}
		m.locks[threadID] = l
	}
	l.waiters++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.put(threadID, l)
			})
		}, nil
	case <-ctx.Done():
		m.put(threadID, l)
		return nil, ctx.Err()
	}
}

// Locked reports whether the thread's lock is currently held.
func (m *LockManager) Locked(threadID string) bool {
	m.mu.Lock()
	l, ok := m.locks[threadID]
	m.mu.Unlock()
	return ok && len(l.ch) > 0
}

// put releases one reference and deletes the entry once nobody holds or
// waits for the lock.
func (m *LockManager) put(threadID string, l *threadLock) {
	m.mu.Lock()
	l.waiters--
	if l.waiters == 0 {
		delete(m.locks, threadID)
	}
	m.mu.Unlock()
}
