package einvoice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// Fault is an invoice the authority accepted but the engine failed to record.
// The chain stays halted until every open fault on it is resolved.
type Fault struct {
	ID        types.ID       `json:"id"`
	Chain     types.ChainKey `json:"chain"`
	InvoiceID types.ID       `json:"invoice_id"`
	ICV       int64          `json:"icv"`
	Digest    string         `json:"digest"`
	Cause     string         `json:"cause"`
	// Record is the complete accepted invoice, document included.
	Record     FaultRecord `json:"record"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// FaultRecord keeps the parts of a signed invoice its JSON form omits.
type FaultRecord struct {
	Invoice       *invoice.SignedInvoice `json:"invoice"`
	Document      []byte                 `json:"document"`
	AuthorityBody []byte                 `json:"authority_body,omitempty"`
}

func newFaultRecord(s *invoice.SignedInvoice) FaultRecord {
	return FaultRecord{Invoice: s, Document: s.Document, AuthorityBody: s.AuthorityBody}
}

// SignedInvoice restores the full invoice from the record.
func (r FaultRecord) SignedInvoice() *invoice.SignedInvoice {
	if r.Invoice == nil {
		return nil
	}
	s := *r.Invoice
	s.Document = r.Document
	s.AuthorityBody = r.AuthorityBody
	return &s
}

// FaultStore records reconciliation faults.
type FaultStore interface {
	Record(ctx context.Context, f *Fault) error
	// Open lists unresolved faults on a chain in ICV order.
	Open(ctx context.Context, key types.ChainKey) ([]*Fault, error)
	Resolve(ctx context.Context, id types.ID, at time.Time) error
}

// MemoryFaultStore is an in-process FaultStore.
type MemoryFaultStore struct {
	mu     sync.Mutex
	faults map[types.ID]Fault
}

func NewMemoryFaultStore() *MemoryFaultStore {
	return &MemoryFaultStore{faults: make(map[types.ID]Fault)}
}

func (m *MemoryFaultStore) Record(_ context.Context, f *Fault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.faults[f.ID]; ok {
		return errors.Conflict("fault already recorded")
	}
	m.faults[f.ID] = *f
	return nil
}

func (m *MemoryFaultStore) Open(_ context.Context, key types.ChainKey) ([]*Fault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Fault
	for _, f := range m.faults {
		if f.Chain == key && f.ResolvedAt == nil {
			cp := f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ICV < out[j].ICV })
	return out, nil
}

func (m *MemoryFaultStore) Resolve(_ context.Context, id types.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.faults[id]
	if !ok {
		return errors.NotFound("fault", id.String())
	}
	f.ResolvedAt = &at
	m.faults[id] = f
	return nil
}

// PostgresFaultStore keeps faults in invoicing.reconciliation_faults.
type PostgresFaultStore struct {
	pool *pgxpool.Pool
}

func NewPostgresFaultStore(pool *pgxpool.Pool) *PostgresFaultStore {
	return &PostgresFaultStore{pool: pool}
}

func (s *PostgresFaultStore) Record(ctx context.Context, f *Fault) error {
	record, err := json.Marshal(f.Record)
	if err != nil {
		return errors.Wrap(err, "failed to encode fault record")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO invoicing.reconciliation_faults (
			id, organization_id, branch_id, stage, invoice_id, icv, digest, cause, record, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, f.Chain.OrganizationID, f.Chain.BranchID, f.Chain.Stage, f.InvoiceID,
		f.ICV, f.Digest, f.Cause, record, f.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record reconciliation fault")
	}
	return nil
}

func (s *PostgresFaultStore) Open(ctx context.Context, key types.ChainKey) ([]*Fault, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, branch_id, stage, invoice_id, icv, digest, cause, record, resolved_at, created_at
		FROM invoicing.reconciliation_faults
		WHERE organization_id = $1 AND branch_id = $2 AND stage = $3 AND resolved_at IS NULL
		ORDER BY icv`,
		key.OrganizationID, key.BranchID, key.Stage)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reconciliation faults")
	}
	defer rows.Close()

	var out []*Fault
	for rows.Next() {
		f, err := scanFault(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresFaultStore) Resolve(ctx context.Context, id types.ID, at time.Time) error {
	result, err := s.pool.Exec(ctx,
		`UPDATE invoicing.reconciliation_faults SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL`, id, at)
	if err != nil {
		return errors.Wrap(err, "failed to resolve reconciliation fault")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("fault", id.String())
	}
	return nil
}

func scanFault(row pgx.Row) (*Fault, error) {
	var (
		f      Fault
		record []byte
	)
	err := row.Scan(&f.ID, &f.Chain.OrganizationID, &f.Chain.BranchID, &f.Chain.Stage, &f.InvoiceID,
		&f.ICV, &f.Digest, &f.Cause, &record, &f.ResolvedAt, &f.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan reconciliation fault")
	}
	if err := json.Unmarshal(record, &f.Record); err != nil {
		return nil, fmt.Errorf("decode fault %s: %w", f.ID, err)
	}
	return &f, nil
}
