//go:build integration

package csid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/einvoicing/internal/authority"
	"github.com/ledgerline/einvoicing/internal/authority/authoritytest"
	"github.com/ledgerline/einvoicing/internal/compliance"
	"github.com/ledgerline/einvoicing/internal/csr"
	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/logging"
	"github.com/ledgerline/einvoicing/internal/shared/testutil"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db := testutil.NewPostgres(t)
	ctx := context.Background()
	srv := authoritytest.New(t)

	m := NewManager(
		NewPostgresStore(db.Pool),
		authority.NewClient(srv.Config(), authority.WithLogger(logging.Nop())),
		compliance.NewGate(compliance.NewPostgresStore(db.Pool), compliance.WithLogger(logging.Nop())),
		csr.NewGenerator(testutil.CSRConfig(), csr.WithLogger(logging.Nop())),
		WithLogger(logging.Nop()),
	)
	branch := testutil.NewBranch()
	id := testutil.Identity(branch, types.InvoicingSimplified)

	issued, err := m.IssueComplianceCertificate(ctx, id, authoritytest.DefaultOTP)
	require.NoError(t, err)

	loaded, err := m.Record(ctx, branch, types.StageCompliance)
	require.NoError(t, err)
	assert.Equal(t, issued.Certificate, loaded.Certificate)
	assert.Equal(t, issued.AuthToken, loaded.AuthToken)
	assert.Equal(t, id, loaded.Identity)
	assert.Equal(t, issued.privateKey, loaded.privateKey)

	mat, err := m.SigningMaterial(ctx, branch, types.StageCompliance)
	require.NoError(t, err)
	assert.True(t, mat.Key.PublicKey.Equal(mat.Certificate.PublicKey))

	_, err = m.IssueComplianceCertificate(ctx, id, authoritytest.DefaultOTP)
	assert.ErrorIs(t, err, errors.ErrConflict)
}
