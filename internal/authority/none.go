package authority

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgerline/einvoicing/internal/csr"
	"github.com/ledgerline/einvoicing/internal/invoice"
)

// None is the authority of an organization that is not subject to
// e-invoicing. Certificates come from a local issuer so invoices are still
// signed and chained, and submissions are recorded as not submitted.
type None struct {
	issuer *LocalIssuer
}

var _ Authority = (*None)(nil)

// NewNone creates the None authority with a fresh local issuer.
func NewNone(orgName string) (*None, error) {
	issuer, err := NewLocalIssuer(orgName)
	if err != nil {
		return nil, err
	}
	return &None{issuer: issuer}, nil
}

func (n *None) IssueComplianceCSID(_ context.Context, csrBase64, _ string) (*Issued, error) {
	req, err := csr.ParseCSR(csrBase64)
	if err != nil {
		return nil, &IssuanceRejectedError{Messages: []Message{{Message: err.Error()}}}
	}
	cert, err := n.issuer.IssueFromCSR(req)
	if err != nil {
		return nil, &IssuanceRejectedError{Messages: []Message{{Message: err.Error()}}}
	}
	return localIssued(cert)
}

func (n *None) IssueProductionCSID(_ context.Context, _ string, creds Credentials) (*Issued, error) {
	compliance, err := DecodeCertificate(creds.BinarySecurityToken)
	if err != nil {
		return nil, &IssuanceRejectedError{Messages: []Message{{Message: err.Error()}}}
	}
	cert, err := n.issuer.Reissue(compliance)
	if err != nil {
		return nil, &IssuanceRejectedError{Messages: []Message{{Message: err.Error()}}}
	}
	return localIssued(cert)
}

func (n *None) Submit(_ context.Context, sub Submission) (*Result, error) {
	if len(sub.Document) == 0 {
		return nil, fmt.Errorf("submit: empty document")
	}
	return &Result{Status: invoice.StatusNotSubmitted}, nil
}

func localIssued(cert *x509.Certificate) (*Issued, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return &Issued{
		RequestID:   uuid.NewString(),
		Disposition: "ISSUED",
		Credentials: Credentials{
			BinarySecurityToken: EncodeCertificate(cert),
			Secret:              base64.StdEncoding.EncodeToString(secret),
		},
		Certificate: cert,
	}, nil
}
