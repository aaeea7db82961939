package invoice

import (
	"context"
	"sort"
	"sync"

	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// MemoryRepository is an in-process signed invoice store for tests and
// single-node development.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[types.ID]*SignedInvoice
	// FailSave, when set, is returned by Save.
	FailSave error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[types.ID]*SignedInvoice)}
}

func (m *MemoryRepository) Save(_ context.Context, s *SignedInvoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave != nil {
		return m.FailSave
	}
	if _, ok := m.byID[s.ID]; ok {
		return errors.Conflict("signed invoice already recorded")
	}
	for _, existing := range m.byID {
		if existing.ChainKey() == s.ChainKey() && existing.ICV == s.ICV {
			return errors.Conflict("counter already used on this chain")
		}
	}
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *MemoryRepository) AttachTimestamp(_ context.Context, id types.ID, token []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || s.TimestampToken != nil {
		return errors.NotFound("signed invoice", id.String())
	}
	s.TimestampToken = token
	return nil
}

func (m *MemoryRepository) FindByID(_ context.Context, id types.ID) (*SignedInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, errors.NotFound("signed invoice", id.String())
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) ListChain(_ context.Context, key types.ChainKey) ([]*SignedInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SignedInvoice
	for _, s := range m.byID {
		if s.ChainKey() == key {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ICV < out[j].ICV })
	return out, nil
}

func (m *MemoryRepository) List(_ context.Context, f ListFilter) ([]*SignedInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SignedInvoice
	for _, s := range m.byID {
		if f.Branch != nil && s.Branch != *f.Branch {
			continue
		}
		if f.Stage != nil && s.Stage != *f.Stage {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
