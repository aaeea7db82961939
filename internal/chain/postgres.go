package chain

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// PostgresStore keeps chain heads in invoicing.chain_states. Advance locks the
// row with SELECT ... FOR UPDATE so the compare and the write are atomic even
// across processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Load(ctx context.Context, key types.ChainKey) (State, error) {
	st := State{Key: key}
	err := p.pool.QueryRow(ctx, `
		SELECT icv, pih, halted, halt_reason, updated_at
		FROM invoicing.chain_states
		WHERE organization_id = $1 AND branch_id = $2 AND stage = $3`,
		key.OrganizationID, key.BranchID, key.Stage,
	).Scan(&st.Head.ICV, &st.Head.PIH, &st.Halted, &st.HaltReason, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return InitialState(key), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load chain state: %w", err)
	}
	return st, nil
}

func (p *PostgresStore) Advance(ctx context.Context, key types.ChainKey, prev, next Link) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureRow(ctx, tx, key); err != nil {
		return err
	}

	var (
		head   Link
		halted bool
		reason string
	)
	err = tx.QueryRow(ctx, `
		SELECT icv, pih, halted, halt_reason
		FROM invoicing.chain_states
		WHERE organization_id = $1 AND branch_id = $2 AND stage = $3
		FOR UPDATE`,
		key.OrganizationID, key.BranchID, key.Stage,
	).Scan(&head.ICV, &head.PIH, &halted, &reason)
	if err != nil {
		return fmt.Errorf("lock chain state: %w", err)
	}
	if halted {
		return &IntegrityError{Key: key, Expected: prev, Actual: head, Reason: "halted: " + reason}
	}
	if head != prev || next.ICV != prev.ICV+1 {
		return &IntegrityError{Key: key, Expected: prev, Actual: head}
	}

	_, err = tx.Exec(ctx, `
		UPDATE invoicing.chain_states SET icv = $4, pih = $5, updated_at = NOW()
		WHERE organization_id = $1 AND branch_id = $2 AND stage = $3`,
		key.OrganizationID, key.BranchID, key.Stage, next.ICV, next.PIH)
	if err != nil {
		return fmt.Errorf("advance chain state: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) Halt(ctx context.Context, key types.ChainKey, reason string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO invoicing.chain_states (organization_id, branch_id, stage, icv, pih, halted, halt_reason)
		VALUES ($1, $2, $3, 0, $4, TRUE, $5)
		ON CONFLICT (organization_id, branch_id, stage)
		DO UPDATE SET halted = TRUE, halt_reason = EXCLUDED.halt_reason, updated_at = NOW()`,
		key.OrganizationID, key.BranchID, key.Stage, SeedPIH, reason)
	if err != nil {
		return fmt.Errorf("halt chain: %w", err)
	}
	return nil
}

func (p *PostgresStore) Reconcile(ctx context.Context, key types.ChainKey, head Link) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO invoicing.chain_states (organization_id, branch_id, stage, icv, pih)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id, branch_id, stage)
		DO UPDATE SET icv = EXCLUDED.icv, pih = EXCLUDED.pih, halted = FALSE, halt_reason = '', updated_at = NOW()`,
		key.OrganizationID, key.BranchID, key.Stage, head.ICV, head.PIH)
	if err != nil {
		return fmt.Errorf("reconcile chain: %w", err)
	}
	return nil
}

func ensureRow(ctx context.Context, tx pgx.Tx, key types.ChainKey) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO invoicing.chain_states (organization_id, branch_id, stage, icv, pih)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (organization_id, branch_id, stage) DO NOTHING`,
		key.OrganizationID, key.BranchID, key.Stage, SeedPIH)
	if err != nil {
		return fmt.Errorf("create chain state: %w", err)
	}
	return nil
}
