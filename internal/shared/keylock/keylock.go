// Package keylock provides mutual exclusion keyed by an arbitrary string,
// used to serialize work on one invoice chain at a time.
package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrLeaseLost is returned by Check and Release when the lock expired and
// may have been taken by someone else.
var ErrLeaseLost = errors.New("keylock: lease lost before release")

// Locker hands out exclusive leases per key.
type Locker interface {
	// Acquire blocks until the key is free or ctx is done.
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease is held until Release. Release is safe to call more than once.
type Lease interface {
	Key() string
	// Check returns ErrLeaseLost once the lease is no longer exclusively held.
	Check(ctx context.Context) error
	Release(ctx context.Context) error
}

// Memory is an in-process Locker. Waiters honour context cancellation.
type Memory struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemory creates an in-process locker.
func NewMemory() *Memory {
	return &Memory{slots: make(map[string]*slot)}
}

func (m *Memory) Acquire(ctx context.Context, key string) (Lease, error) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return &memoryLease{owner: m, key: key, slot: s}, nil
	case <-ctx.Done():
		m.drop(key, s)
		return nil, ctx.Err()
	}
}

// drop forgets the slot once nobody holds or waits for it.
func (m *Memory) drop(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 && m.slots[key] == s {
		delete(m.slots, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

type memoryLease struct {
	owner    *Memory
	key      string
	slot     *slot
	once     sync.Once
	released atomic.Bool
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Check(context.Context) error {
	if l.released.Load() {
		return ErrLeaseLost
	}
	return nil
}

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() {
		l.released.Store(true)
		<-l.slot.ch
		l.owner.drop(l.key, l.slot)
	})
	return nil
}
