package csid

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/einvoicing/internal/authority"
	"github.com/ledgerline/einvoicing/internal/authority/authoritytest"
	"github.com/ledgerline/einvoicing/internal/compliance"
	"github.com/ledgerline/einvoicing/internal/csr"
	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/events"
	"github.com/ledgerline/einvoicing/internal/shared/logging"
	"github.com/ledgerline/einvoicing/internal/shared/testutil"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

type fixture struct {
	srv     *authoritytest.Server
	manager *Manager
	gate    *compliance.Gate
	bus     *events.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := authoritytest.New(t)
	gate := compliance.NewGate(compliance.NewMemoryStore(), compliance.WithLogger(logging.Nop()))
	bus := events.NewMemory()
	m := NewManager(
		NewMemoryStore(),
		authority.NewClient(srv.Config(), authority.WithLogger(logging.Nop())),
		gate,
		csr.NewGenerator(testutil.CSRConfig(), csr.WithLogger(logging.Nop())),
		WithLogger(logging.Nop()),
		WithPublisher(bus),
	)
	return &fixture{srv: srv, manager: m, gate: gate, bus: bus}
}

func (f *fixture) passAll(t *testing.T, branch types.BranchKey, invoicing types.InvoicingType) {
	t.Helper()
	for _, c := range compliance.Required(invoicing) {
		require.NoError(t, f.gate.RecordSuccess(context.Background(), branch, c.InvoiceType, c.DocumentType, types.NewID()))
	}
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	branch := testutil.NewBranch()

	state, err := f.manager.State(ctx, branch)
	require.NoError(t, err)
	assert.Equal(t, StateUnregistered, state)

	comp, err := f.manager.IssueComplianceCertificate(ctx, testutil.Identity(branch, types.InvoicingBoth), authoritytest.DefaultOTP)
	require.NoError(t, err)
	assert.Equal(t, types.StageCompliance, comp.Stage)
	assert.NotEmpty(t, comp.RequestID)
	assert.Equal(t, "ISSUED", comp.Disposition)

	state, err = f.manager.State(ctx, branch)
	require.NoError(t, err)
	assert.Equal(t, StateComplianceIssued, state)

	stage, err := f.manager.ActiveStage(ctx, branch)
	require.NoError(t, err)
	assert.Equal(t, types.StageCompliance, stage)

	compMat, err := f.manager.SigningMaterial(ctx, branch, types.StageCompliance)
	require.NoError(t, err)
	assert.True(t, compMat.Key.PublicKey.Equal(compMat.Certificate.PublicKey))

	// Gate not satisfied yet.
	_, err = f.manager.IssueProductionCertificate(ctx, branch)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrComplianceNotSatisfied)
	var notEligible *NotEligibleError
	require.ErrorAs(t, err, &notEligible)
	assert.Len(t, notEligible.Missing, 6)

	f.passAll(t, branch, types.InvoicingBoth)
	prod, err := f.manager.IssueProductionCertificate(ctx, branch)
	require.NoError(t, err)
	assert.Equal(t, types.StageProduction, prod.Stage)
	assert.Equal(t, comp.CSR, prod.CSR)
	assert.NotEqual(t, comp.Certificate, prod.Certificate)
	assert.NotEqual(t, comp.AuthToken, prod.AuthToken)

	prodMat, err := f.manager.SigningMaterial(ctx, branch, types.StageProduction)
	require.NoError(t, err)
	assert.True(t, prodMat.Key.Equal(compMat.Key))

	state, err = f.manager.State(ctx, branch)
	require.NoError(t, err)
	assert.Equal(t, StateProductionIssued, state)

	// The compliance record is kept.
	_, err = f.manager.Record(ctx, branch, types.StageCompliance)
	require.NoError(t, err)

	assert.Equal(t, []string{"/compliance-csid", "/production-csid"}, f.srv.Calls())
	assert.Len(t, f.bus.Events(events.TypeCertificateIssued), 2)
}

func TestManager_IdentityIncomplete(t *testing.T) {
	f := newFixture(t)
	id := testutil.Identity(testutil.NewBranch(), types.InvoicingStandard)
	id.Organization = ""
	id.TaxID = ""

	_, err := f.manager.IssueComplianceCertificate(context.Background(), id, authoritytest.DefaultOTP)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIdentityIncomplete)
	assert.Empty(t, f.srv.Calls())
}

func TestManager_MissingOTP(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.IssueComplianceCertificate(context.Background(), testutil.Identity(testutil.NewBranch(), types.InvoicingStandard), " ")
	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.Empty(t, f.srv.Calls())
}

func TestManager_RejectedOTPLeavesBranchUnregistered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	branch := testutil.NewBranch()

	_, err := f.manager.IssueComplianceCertificate(ctx, testutil.Identity(branch, types.InvoicingSimplified), "999999")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIssuanceRejected)
	assert.NotEmpty(t, errors.FromDomain(err).Payload)

	state, err := f.manager.State(ctx, branch)
	require.NoError(t, err)
	assert.Equal(t, StateUnregistered, state)
	assert.Empty(t, f.bus.Events())
}

func TestManager_AuthorityUnreachable(t *testing.T) {
	f := newFixture(t)
	f.srv.FailNext(100)

	_, err := f.manager.IssueComplianceCertificate(context.Background(), testutil.Identity(testutil.NewBranch(), types.InvoicingSimplified), authoritytest.DefaultOTP)
	assert.ErrorIs(t, err, errors.ErrAuthorityUnreachable)
	assert.True(t, errors.IsRetryable(err))
}

func TestManager_SecondComplianceIssuanceConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := testutil.Identity(testutil.NewBranch(), types.InvoicingSimplified)

	_, err := f.manager.IssueComplianceCertificate(ctx, id, authoritytest.DefaultOTP)
	require.NoError(t, err)
	_, err = f.manager.IssueComplianceCertificate(ctx, id, authoritytest.DefaultOTP)
	assert.ErrorIs(t, err, errors.ErrConflict)
	assert.Len(t, f.srv.Calls(), 1)
}

func TestManager_ConcurrentIssuanceSingleRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := testutil.Identity(testutil.NewBranch(), types.InvoicingSimplified)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.manager.IssueComplianceCertificate(ctx, id, authoritytest.DefaultOTP)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, errors.ErrConflict)
	}
	assert.GreaterOrEqual(t, ok, 1)
	assert.Len(t, f.srv.Calls(), 1)
}

func TestManager_PromoteWithoutCompliance(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.IssueProductionCertificate(context.Background(), testutil.NewBranch())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrComplianceNotSatisfied)
	assert.Equal(t, "COMPLIANCE_NOT_SATISFIED", errors.FromDomain(err).Code)
	assert.Empty(t, f.srv.Calls())
}

func TestManager_PromoteTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	branch := testutil.NewBranch()

	_, err := f.manager.IssueComplianceCertificate(ctx, testutil.Identity(branch, types.InvoicingStandard), authoritytest.DefaultOTP)
	require.NoError(t, err)
	f.passAll(t, branch, types.InvoicingStandard)

	_, err = f.manager.IssueProductionCertificate(ctx, branch)
	require.NoError(t, err)
	_, err = f.manager.IssueProductionCertificate(ctx, branch)
	assert.ErrorIs(t, err, errors.ErrConflict)
}

func TestManager_GateCountsOnlyRegisteredTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	branch := testutil.NewBranch()

	_, err := f.manager.IssueComplianceCertificate(ctx, testutil.Identity(branch, types.InvoicingStandard), authoritytest.DefaultOTP)
	require.NoError(t, err)
	// Retail successes do not satisfy a standard-only branch.
	for _, d := range invoice.DocumentTypes {
		require.NoError(t, f.gate.RecordSuccess(ctx, branch, invoice.InvoiceTypeSimplified, d, types.NewID()))
	}
	_, err = f.manager.IssueProductionCertificate(ctx, branch)
	assert.ErrorIs(t, err, errors.ErrComplianceNotSatisfied)
}

func TestRecord_SecretsStayOutOfJSON(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	branch := testutil.NewBranch()

	rec, err := f.manager.IssueComplianceCertificate(ctx, testutil.Identity(branch, types.InvoicingSimplified), authoritytest.DefaultOTP)
	require.NoError(t, err)
	require.NotEmpty(t, rec.privateKey)

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(b), rec.AuthToken)
	assert.NotContains(t, string(b), rec.privateKey)
	assert.Contains(t, string(b), rec.RequestID)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	branch := testutil.NewBranch()

	_, err := s.Get(ctx, branch, types.StageCompliance)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	rec := &Record{Branch: branch, Stage: types.StageCompliance, RequestID: "1"}
	require.NoError(t, s.Create(ctx, rec))
	assert.ErrorIs(t, s.Create(ctx, rec), errors.ErrConflict)

	got, err := s.Get(ctx, branch, types.StageCompliance)
	require.NoError(t, err)
	assert.Equal(t, "1", got.RequestID)

	// Returned records are copies.
	got.RequestID = "2"
	again, _ := s.Get(ctx, branch, types.StageCompliance)
	assert.Equal(t, "1", again.RequestID)
}

func TestManager_FlagFormInvoicingTypeKeepsGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	branch := testutil.NewBranch()

	comp, err := f.manager.IssueComplianceCertificate(ctx, testutil.Identity(branch, types.InvoicingType("1100")), authoritytest.DefaultOTP)
	require.NoError(t, err)
	assert.Equal(t, types.InvoicingBoth, comp.InvoicingType)

	req, err := csr.ParseCSR(comp.CSR)
	require.NoError(t, err)
	san, err := csr.SANAttributes(req)
	require.NoError(t, err)
	assert.Equal(t, "1100", san["2.5.4.12"])

	_, err = f.manager.IssueProductionCertificate(ctx, branch)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrComplianceNotSatisfied)
	var notEligible *NotEligibleError
	require.ErrorAs(t, err, &notEligible)
	assert.Len(t, notEligible.Missing, 6)
	assert.Equal(t, []string{"/compliance-csid"}, f.srv.Calls())
}
