package invoice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// Repository persists signed invoices. Records are write-once.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new signed invoice repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `
		id, organization_id, branch_id, stage, number, document_type, invoice_type,
		draft, totals, pih, icv, digest, qr, document,
		status, authority_http_status, authority_body, timestamp_token, created_at`

// Save stores a new signed invoice
func (r *Repository) Save(ctx context.Context, s *SignedInvoice) error {
	draft, err := json.Marshal(s.Draft)
	if err != nil {
		return errors.Wrap(err, "failed to encode draft")
	}
	totals, err := json.Marshal(s.Totals)
	if err != nil {
		return errors.Wrap(err, "failed to encode totals")
	}

	query := `
		INSERT INTO invoicing.signed_invoices (` + selectColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err = r.pool.Exec(ctx, query,
		s.ID, s.Branch.OrganizationID, s.Branch.BranchID, s.Stage, s.Number, s.DocumentType, s.InvoiceType,
		draft, totals, s.PIH, s.ICV, s.Digest, s.QR, s.Document,
		s.Status, s.AuthorityHTTPStatus, s.AuthorityBody, s.TimestampToken, s.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("signed invoice already recorded")
		}
		return errors.Wrap(err, "failed to save signed invoice")
	}
	return nil
}

// AttachTimestamp records an archival timestamp token on an existing invoice.
func (r *Repository) AttachTimestamp(ctx context.Context, id types.ID, token []byte) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE invoicing.signed_invoices SET timestamp_token = $2 WHERE id = $1 AND timestamp_token IS NULL`,
		id, token)
	if err != nil {
		return errors.Wrap(err, "failed to attach timestamp")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("signed invoice", id.String())
	}
	return nil
}

// FindByID finds a signed invoice by ID
func (r *Repository) FindByID(ctx context.Context, id types.ID) (*SignedInvoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM invoicing.signed_invoices WHERE id = $1`, id)
	s, err := scanInvoice(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("signed invoice", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find signed invoice")
	}
	return s, nil
}

// ListChain returns every invoice on a chain in counter order.
func (r *Repository) ListChain(ctx context.Context, key types.ChainKey) ([]*SignedInvoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM invoicing.signed_invoices
		WHERE organization_id = $1 AND branch_id = $2 AND stage = $3
		ORDER BY icv`,
		key.OrganizationID, key.BranchID, key.Stage)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list chain")
	}
	defer rows.Close()
	return collect(rows)
}

// List returns signed invoices, newest first
func (r *Repository) List(ctx context.Context, f ListFilter) ([]*SignedInvoice, error) {
	var (
		where []string
		args  []any
	)
	if f.Branch != nil {
		args = append(args, f.Branch.OrganizationID, f.Branch.BranchID)
		where = append(where, fmt.Sprintf("organization_id = $%d AND branch_id = $%d", len(args)-1, len(args)))
	}
	if f.Stage != nil {
		args = append(args, *f.Stage)
		where = append(where, fmt.Sprintf("stage = $%d", len(args)))
	}

	query := `SELECT ` + selectColumns + ` FROM invoicing.signed_invoices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list signed invoices")
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*SignedInvoice, error) {
	var out []*SignedInvoice
	for rows.Next() {
		s, err := scanInvoice(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan signed invoice")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate signed invoices")
	}
	return out, nil
}

func scanInvoice(row pgx.Row) (*SignedInvoice, error) {
	var (
		s             SignedInvoice
		draft, totals []byte
	)
	err := row.Scan(
		&s.ID, &s.Branch.OrganizationID, &s.Branch.BranchID, &s.Stage, &s.Number, &s.DocumentType, &s.InvoiceType,
		&draft, &totals, &s.PIH, &s.ICV, &s.Digest, &s.QR, &s.Document,
		&s.Status, &s.AuthorityHTTPStatus, &s.AuthorityBody, &s.TimestampToken, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(draft, &s.Draft); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	if err := json.Unmarshal(totals, &s.Totals); err != nil {
		return nil, fmt.Errorf("decode totals: %w", err)
	}
	return &s, nil
}
