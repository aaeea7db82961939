package authority_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/einvoicing/internal/authority"
	"github.com/ledgerline/einvoicing/internal/authority/authoritytest"
	"github.com/ledgerline/einvoicing/internal/chain"
	"github.com/ledgerline/einvoicing/internal/csr"
	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/logging"
	"github.com/ledgerline/einvoicing/internal/shared/testutil"
	"github.com/ledgerline/einvoicing/internal/shared/types"
	"github.com/ledgerline/einvoicing/internal/signer"
	"github.com/ledgerline/einvoicing/internal/ubl"
)

type onboarded struct {
	key        *ecdsa.PrivateKey
	request    *csr.CSR
	compliance *authority.Issued
}

func onboard(t *testing.T, client authority.Authority) onboarded {
	t.Helper()
	gen := csr.NewGenerator(testutil.CSRConfig(), csr.WithLogger(logging.Nop()))
	req, err := gen.Generate(testutil.Identity(testutil.NewBranch(), types.InvoicingBoth))
	require.NoError(t, err)
	key, err := csr.ParsePrivateKey(req.PrivateKey)
	require.NoError(t, err)

	issued, err := client.IssueComplianceCSID(context.Background(), req.Base64, authoritytest.DefaultOTP)
	require.NoError(t, err)
	return onboarded{key: key, request: req, compliance: issued}
}

func signedSubmission(t *testing.T, key *ecdsa.PrivateKey, cert *x509.Certificate, issued *authority.Issued, stage types.Stage, invType invoice.InvoiceType) authority.Submission {
	t.Helper()
	c, err := invoice.Compute(testutil.Draft(invoice.DocumentTypeInvoice, invType))
	require.NoError(t, err)
	var customer *invoice.Party
	if invType == invoice.InvoiceTypeStandard {
		customer = testutil.Customer()
	}
	doc, err := ubl.Render(c, chain.Link{PIH: chain.SeedPIH, ICV: 1}, testutil.Supplier(), customer)
	require.NoError(t, err)
	env, err := signer.New(signer.WithLogger(logging.Nop())).Sign(doc.Bytes, key, cert)
	require.NoError(t, err)

	return authority.Submission{
		Stage:       stage,
		InvoiceType: invType,
		UUID:        doc.UUID,
		Digest:      env.Digest,
		Document:    env.Bytes,
		Credentials: issued.Credentials,
	}
}

func newClient(srv *authoritytest.Server) *authority.Client {
	return authority.NewClient(srv.Config(), authority.WithLogger(logging.Nop()))
}

func TestClient_IssueComplianceCSID(t *testing.T) {
	srv := authoritytest.New(t)
	o := onboard(t, newClient(srv))

	assert.NotEmpty(t, o.compliance.RequestID)
	assert.Equal(t, "ISSUED", o.compliance.Disposition)
	assert.True(t, o.compliance.Certificate.PublicKey.(*ecdsa.PublicKey).Equal(o.key.Public()))
	assert.Equal(t, "POS-0001", o.compliance.Certificate.Subject.CommonName)
	require.NoError(t, o.compliance.Certificate.CheckSignatureFrom(srv.CA()))

	creds, err := authority.ParseToken(o.compliance.Credentials.Token())
	require.NoError(t, err)
	assert.Equal(t, o.compliance.Credentials, creds)
	assert.Equal(t, []string{"/compliance-csid"}, srv.Calls())
}

func TestClient_IssueComplianceCSID_InvalidOTP(t *testing.T) {
	srv := authoritytest.New(t)
	req, err := csr.NewGenerator(testutil.CSRConfig()).Generate(testutil.Identity(testutil.NewBranch(), types.InvoicingSimplified))
	require.NoError(t, err)

	_, err = newClient(srv).IssueComplianceCSID(context.Background(), req.Base64, "000000")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIssuanceRejected)
	assert.False(t, errors.IsRetryable(err))

	var rejected *authority.IssuanceRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusBadRequest, rejected.HTTPStatus)
	assert.Contains(t, string(rejected.Body), "Invalid-OTP")

	appErr := errors.FromDomain(err)
	assert.Equal(t, "CERTIFICATE_ISSUANCE_REJECTED", appErr.Code)
	assert.Equal(t, rejected.Body, appErr.Payload)
	// Rejections are final.
	assert.Len(t, srv.Calls(), 1)
}

func TestClient_IssueProductionCSID(t *testing.T) {
	srv := authoritytest.New(t)
	client := newClient(srv)
	o := onboard(t, client)

	prod, err := client.IssueProductionCSID(context.Background(), o.compliance.RequestID, o.compliance.Credentials)
	require.NoError(t, err)
	assert.True(t, prod.Certificate.PublicKey.(*ecdsa.PublicKey).Equal(o.key.Public()))
	assert.NotEqual(t, o.compliance.Certificate.SerialNumber, prod.Certificate.SerialNumber)
	assert.NotEqual(t, o.compliance.Credentials, prod.Credentials)

	_, err = client.IssueProductionCSID(context.Background(), o.compliance.RequestID, authority.Credentials{BinarySecurityToken: "x", Secret: "y"})
	assert.ErrorIs(t, err, errors.ErrIssuanceRejected)

	_, err = client.IssueProductionCSID(context.Background(), "unknown", o.compliance.Credentials)
	assert.ErrorIs(t, err, errors.ErrIssuanceRejected)
}

func TestClient_SubmitRouting(t *testing.T) {
	tests := []struct {
		name     string
		stage    types.Stage
		invType  invoice.InvoiceType
		path     string
		status   invoice.Status
		document bool
	}{
		{"compliance standard", types.StageCompliance, invoice.InvoiceTypeStandard, "/compliance-invoices", invoice.StatusAccepted, false},
		{"compliance simplified", types.StageCompliance, invoice.InvoiceTypeSimplified, "/compliance-invoices", invoice.StatusAccepted, false},
		{"production standard", types.StageProduction, invoice.InvoiceTypeStandard, "/invoices/clearance", invoice.StatusCleared, true},
		{"production simplified", types.StageProduction, invoice.InvoiceTypeSimplified, "/invoices/reporting", invoice.StatusReported, false},
	}

	srv := authoritytest.New(t)
	client := newClient(srv)
	o := onboard(t, client)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := signedSubmission(t, o.key, o.compliance.Certificate, o.compliance, tt.stage, tt.invType)
			res, err := client.Submit(context.Background(), sub)
			require.NoError(t, err)

			calls := srv.Calls()
			assert.Equal(t, tt.path, calls[len(calls)-1])
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, http.StatusOK, res.HTTPStatus)
			assert.NotEmpty(t, res.Body)
			if tt.document {
				require.NotNil(t, res.Document)
				assert.True(t, strings.HasSuffix(string(res.Document), authoritytest.ClearedMarker))
			} else {
				assert.Nil(t, res.Document)
			}
		})
	}
}

func TestClient_SubmitRejected(t *testing.T) {
	srv := authoritytest.New(t)
	client := newClient(srv)
	o := onboard(t, client)
	srv.RejectInvoices.Store(true)

	sub := signedSubmission(t, o.key, o.compliance.Certificate, o.compliance, types.StageProduction, invoice.InvoiceTypeStandard)
	_, err := client.Submit(context.Background(), sub)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvoiceRejected)

	var rejected *authority.InvoiceRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "NOT_CLEARED", rejected.Status)
	assert.NotEmpty(t, rejected.Messages)
	assert.Equal(t, rejected.Body, errors.FromDomain(err).Payload)
}

func TestClient_SubmitDigestMismatch(t *testing.T) {
	srv := authoritytest.New(t)
	client := newClient(srv)
	o := onboard(t, client)

	sub := signedSubmission(t, o.key, o.compliance.Certificate, o.compliance, types.StageCompliance, invoice.InvoiceTypeSimplified)
	sub.Digest = chain.SeedPIH
	_, err := client.Submit(context.Background(), sub)
	assert.ErrorIs(t, err, errors.ErrInvoiceRejected)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	srv := authoritytest.New(t)
	client := newClient(srv)
	o := onboard(t, client)

	srv.FailNext(2)
	sub := signedSubmission(t, o.key, o.compliance.Certificate, o.compliance, types.StageProduction, invoice.InvoiceTypeSimplified)
	res, err := client.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusReported, res.Status)
	// One issuance, two failures, one success.
	assert.Len(t, srv.Calls(), 4)
}

func TestClient_Unreachable(t *testing.T) {
	srv := authoritytest.New(t)
	client := newClient(srv)
	o := onboard(t, client)

	srv.FailNext(100)
	sub := signedSubmission(t, o.key, o.compliance.Certificate, o.compliance, types.StageProduction, invoice.InvoiceTypeStandard)
	_, err := client.Submit(context.Background(), sub)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAuthorityUnreachable)
	assert.True(t, errors.IsRetryable(err))

	var unreachable *authority.UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, 4, unreachable.Attempts)
}

func TestClient_TransportFailure(t *testing.T) {
	srv := authoritytest.New(t)
	cfg := srv.Config()
	srv.Close()

	_, err := authority.NewClient(cfg, authority.WithLogger(logging.Nop())).
		IssueComplianceCSID(context.Background(), "Zm9v", authoritytest.DefaultOTP)
	assert.ErrorIs(t, err, errors.ErrAuthorityUnreachable)
}

func TestClient_Headers(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "V2", r.Header.Get("Accept-Version"))
		assert.Equal(t, "en", r.Header.Get("Accept-Language"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "654321", r.Header.Get("OTP"))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"code":"Invalid-CSR","message":"bad csr"}]}`))
	}))
	defer srv.Close()

	cfg := authoritytest.New(t).Config()
	cfg.BaseURL = srv.URL
	_, err := authority.NewClient(cfg, authority.WithLogger(logging.Nop())).
		IssueComplianceCSID(context.Background(), "Zm9v", "654321")

	var rejected *authority.IssuanceRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Len(t, rejected.Messages, 1)
	assert.Equal(t, "Invalid-CSR", rejected.Messages[0].Code)
	assert.Contains(t, err.Error(), "bad csr")
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_RequestIDAsString(t *testing.T) {
	srv := authoritytest.New(t)
	o := onboard(t, newClient(srv))
	// The fake returns a numeric request id; it round-trips as text.
	assert.Regexp(t, `^\d+$`, o.compliance.RequestID)
}

func TestNone(t *testing.T) {
	none, err := authority.NewNone("Ledgerline")
	require.NoError(t, err)
	o := onboard(t, none)

	prod, err := none.IssueProductionCSID(context.Background(), o.compliance.RequestID, o.compliance.Credentials)
	require.NoError(t, err)
	assert.True(t, prod.Certificate.PublicKey.(*ecdsa.PublicKey).Equal(o.key.Public()))

	sub := signedSubmission(t, o.key, prod.Certificate, prod, types.StageProduction, invoice.InvoiceTypeStandard)
	res, err := none.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusNotSubmitted, res.Status)
	assert.Nil(t, res.Document)
}

func TestNew(t *testing.T) {
	cfg := authoritytest.New(t).Config()
	a, err := authority.New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &authority.Client{}, a)

	cfg.Kind = "none"
	a, err = authority.New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &authority.None{}, a)

	cfg.Kind = "carrier-pigeon"
	_, err = authority.New(cfg)
	assert.Error(t, err)
}

func TestCertificateEncoding(t *testing.T) {
	srv := authoritytest.New(t)
	enc := authority.EncodeCertificate(srv.CA())
	cert, err := authority.DecodeCertificate(enc)
	require.NoError(t, err)
	assert.True(t, cert.Equal(srv.CA()))

	_, err = authority.DecodeCertificate("not base64!")
	assert.Error(t, err)

	_, err = authority.ParseToken("bm8tY29sb24=")
	assert.Error(t, err)
}
