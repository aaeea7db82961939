//go:build integration

package einvoice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/einvoicing/internal/authority"
	"github.com/ledgerline/einvoicing/internal/authority/authoritytest"
	"github.com/ledgerline/einvoicing/internal/chain"
	"github.com/ledgerline/einvoicing/internal/compliance"
	"github.com/ledgerline/einvoicing/internal/csid"
	"github.com/ledgerline/einvoicing/internal/csr"
	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/keylock"
	"github.com/ledgerline/einvoicing/internal/shared/logging"
	"github.com/ledgerline/einvoicing/internal/shared/testutil"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

func TestService_Postgres(t *testing.T) {
	db := testutil.NewPostgres(t)
	ctx := context.Background()
	srv := authoritytest.New(t)

	auth := authority.NewClient(srv.Config(), authority.WithLogger(logging.Nop()))
	gate := compliance.NewGate(compliance.NewPostgresStore(db.Pool), compliance.WithLogger(logging.Nop()))
	certs := csid.NewManager(
		csid.NewPostgresStore(db.Pool),
		auth,
		gate,
		csr.NewGenerator(testutil.CSRConfig(), csr.WithLogger(logging.Nop())),
		csid.WithLogger(logging.Nop()),
	)
	seq := chain.NewSequencer(chain.NewPostgresStore(db.Pool), keylock.NewMemory(), chain.WithLogger(logging.Nop()))
	svc := NewService(certs, seq, auth, invoice.NewRepository(db.Pool), gate, NewPostgresFaultStore(db.Pool),
		WithLogger(logging.Nop()))

	branch := testutil.NewBranch()
	_, err := svc.Onboard(ctx, testutil.Identity(branch, types.InvoicingBoth), authoritytest.DefaultOTP)
	require.NoError(t, err)

	report, err := svc.RunComplianceChecks(ctx, ComplianceCheckRequest{
		Branch:   branch,
		Supplier: testutil.Supplier(),
		Customer: testutil.Customer(),
	})
	require.NoError(t, err)
	require.True(t, report.Progress.Eligible())

	_, err = svc.Promote(ctx, branch)
	require.NoError(t, err)

	first, err := svc.Issue(ctx, request(branch, invoice.DocumentTypeInvoice, invoice.InvoiceTypeStandard))
	require.NoError(t, err)
	second, err := svc.Issue(ctx, request(branch, invoice.DocumentTypeDebitNote, invoice.InvoiceTypeSimplified))
	require.NoError(t, err)
	assert.Equal(t, first.Digest, second.PIH)

	loaded, err := svc.Invoice(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Document, loaded.Document)
	assert.Equal(t, invoice.StatusCleared, loaded.Status)

	verify, err := svc.VerifyChain(ctx, types.NewChainKey(branch, types.StageProduction))
	require.NoError(t, err)
	assert.True(t, verify.Valid, verify.Problem)
	assert.Equal(t, 2, verify.Invoices)
}

func TestPostgresFaultStore(t *testing.T) {
	db := testutil.NewPostgres(t)
	ctx := context.Background()
	store := NewPostgresFaultStore(db.Pool)
	key := types.NewChainKey(testutil.NewBranch(), types.StageProduction)

	record := &invoice.SignedInvoice{ID: types.NewID(), Branch: key.BranchKey, Stage: key.Stage, ICV: 3, Document: []byte("<Invoice/>")}
	f := &Fault{
		ID:        types.NewID(),
		Chain:     key,
		InvoiceID: record.ID,
		ICV:       3,
		Digest:    "digest",
		Cause:     "save invoice: connection reset",
		Record:    newFaultRecord(record),
		CreatedAt: record.CreatedAt,
	}
	require.NoError(t, store.Record(ctx, f))

	open, err := store.Open(ctx, key)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, f.Cause, open[0].Cause)
	assert.Equal(t, record.Document, open[0].Record.SignedInvoice().Document)

	require.NoError(t, store.Resolve(ctx, f.ID, f.CreatedAt))
	open, err = store.Open(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, open)
}
