package chain

import (
	"context"
	"sync"
	"time"

	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// MemoryStore keeps chain heads in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	states map[types.ChainKey]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[types.ChainKey]State)}
}

func (m *MemoryStore) Load(_ context.Context, key types.ChainKey) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(key), nil
}

func (m *MemoryStore) load(key types.ChainKey) State {
	if st, ok := m.states[key]; ok {
		return st
	}
	return InitialState(key)
}

func (m *MemoryStore) Advance(_ context.Context, key types.ChainKey, prev, next Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.load(key)
	if st.Halted {
		return &IntegrityError{Key: key, Expected: prev, Actual: st.Head, Reason: "halted: " + st.HaltReason}
	}
	if st.Head != prev || next.ICV != prev.ICV+1 {
		return &IntegrityError{Key: key, Expected: prev, Actual: st.Head}
	}
	st.Head = next
	st.UpdatedAt = time.Now().UTC()
	m.states[key] = st
	return nil
}

func (m *MemoryStore) Halt(_ context.Context, key types.ChainKey, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.load(key)
	st.Halted = true
	st.HaltReason = reason
	st.UpdatedAt = time.Now().UTC()
	m.states[key] = st
	return nil
}

func (m *MemoryStore) Reconcile(_ context.Context, key types.ChainKey, head Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = State{Key: key, Head: head, UpdatedAt: time.Now().UTC()}
	return nil
}
