package compliance

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[types.BranchKey]map[Combination]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[types.BranchKey]map[Combination]Entry)}
}

func (m *MemoryStore) Record(_ context.Context, branch types.BranchKey, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCombo, ok := m.entries[branch]
	if !ok {
		byCombo = make(map[Combination]Entry)
		m.entries[branch] = byCombo
	}
	if _, exists := byCombo[e.Combination]; !exists {
		byCombo[e.Combination] = e
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, branch types.BranchKey) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries[branch]))
	for _, e := range m.entries[branch] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out, nil
}

// PostgresStore keeps progress in invoicing.compliance_progress.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Record(ctx context.Context, branch types.BranchKey, e Entry) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO invoicing.compliance_progress (
			organization_id, branch_id, invoice_type, document_type, invoice_id, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (organization_id, branch_id, invoice_type, document_type) DO NOTHING`,
		branch.OrganizationID, branch.BranchID, e.InvoiceType, e.DocumentType, nullableID(e.InvoiceID), e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert compliance progress: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, branch types.BranchKey) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT invoice_type, document_type, invoice_id, recorded_at
		FROM invoicing.compliance_progress
		WHERE organization_id = $1 AND branch_id = $2
		ORDER BY recorded_at`,
		branch.OrganizationID, branch.BranchID,
	)
	if err != nil {
		return nil, fmt.Errorf("query compliance progress: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			id *string
		)
		if err := rows.Scan(&e.InvoiceType, &e.DocumentType, &id, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan compliance progress: %w", err)
		}
		if id != nil {
			e.InvoiceID = types.ID(*id)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableID(id types.ID) any {
	if id.IsZero() {
		return nil
	}
	return id
}
