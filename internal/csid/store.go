package csid

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// Store persists certificate records, one per (branch, stage).
type Store interface {
	// Get returns the record or a NotFound error.
	Get(ctx context.Context, branch types.BranchKey, stage types.Stage) (*Record, error)
	// Create stores a new record; an existing (branch, stage) is a Conflict.
	Create(ctx context.Context, r *Record) error
}

type recordKey struct {
	branch types.BranchKey
	stage  types.Stage
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]Record)}
}

func (m *MemoryStore) Get(_ context.Context, branch types.BranchKey, stage types.Stage) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[recordKey{branch, stage}]
	if !ok {
		return nil, errors.NotFound("certificate", branch.String()+"/"+string(stage))
	}
	return &r, nil
}

func (m *MemoryStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{r.Branch, r.Stage}
	if _, exists := m.records[k]; exists {
		return errors.Conflict("certificate already issued for " + r.Branch.String() + "/" + string(r.Stage))
	}
	m.records[k] = *r
	return nil
}

// PostgresStore keeps records in invoicing.certificates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Get(ctx context.Context, branch types.BranchKey, stage types.Stage) (*Record, error) {
	r := &Record{Branch: branch, Stage: stage}
	var identity []byte
	err := p.pool.QueryRow(ctx, `
		SELECT invoicing_type, private_key, csr, certificate, auth_token,
		       request_id, disposition, identity, created_at
		FROM invoicing.certificates
		WHERE organization_id = $1 AND branch_id = $2 AND stage = $3`,
		branch.OrganizationID, branch.BranchID, stage,
	).Scan(&r.InvoicingType, &r.privateKey, &r.CSR, &r.Certificate, &r.AuthToken,
		&r.RequestID, &r.Disposition, &identity, &r.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("certificate", branch.String()+"/"+string(stage))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load certificate")
	}
	if err := json.Unmarshal(identity, &r.Identity); err != nil {
		return nil, errors.Wrap(err, "failed to decode identity")
	}
	return r, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	identity, err := json.Marshal(r.Identity)
	if err != nil {
		return errors.Wrap(err, "failed to encode identity")
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO invoicing.certificates (
			organization_id, branch_id, stage, invoicing_type, private_key, csr,
			certificate, auth_token, request_id, disposition, identity, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.Branch.OrganizationID, r.Branch.BranchID, r.Stage, r.InvoicingType, r.privateKey, r.CSR,
		r.Certificate, r.AuthToken, r.RequestID, r.Disposition, identity, r.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("certificate already issued for " + r.Branch.String() + "/" + string(r.Stage))
		}
		return errors.Wrap(err, "failed to save certificate")
	}
	return nil
}
