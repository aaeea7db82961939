// Package csid manages a branch's cryptographic stamp identifiers: the
// compliance and production certificates the authority issues, and the key
// material they certify.
package csid

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/ledgerline/einvoicing/internal/authority"
	"github.com/ledgerline/einvoicing/internal/compliance"
	"github.com/ledgerline/einvoicing/internal/csr"
	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// State is where a branch is in onboarding.
type State string

const (
	StateUnregistered     State = "UNREGISTERED"
	StateComplianceIssued State = "COMPLIANCE_ISSUED"
	StateProductionIssued State = "PRODUCTION_ISSUED"
)

// Record is the certificate material for one (branch, stage). Records are
// immutable; promotion creates a new record for the next stage.
type Record struct {
	Branch        types.BranchKey     `json:"branch"`
	Stage         types.Stage         `json:"stage"`
	InvoicingType types.InvoicingType `json:"invoicing_type"`
	Identity      csr.Identity        `json:"identity"`
	// CSR is the base64 request the certificate was issued for.
	CSR string `json:"csr"`
	// Certificate is the base64 DER certificate.
	Certificate string `json:"certificate"`
	// AuthToken is the base64-packed binarySecurityToken:secret pair.
	AuthToken   string    `json:"-"`
	RequestID   string    `json:"request_id"`
	Disposition string    `json:"disposition"`
	CreatedAt   time.Time `json:"created_at"`

	// privateKey is the SEC1 body; it never leaves the record.
	privateKey string
}

// ParsedCertificate parses the record's certificate.
func (r *Record) ParsedCertificate() (*x509.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(r.Certificate)
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// Credentials unpacks the authority token pair.
func (r *Record) Credentials() (authority.Credentials, error) {
	return authority.ParseToken(r.AuthToken)
}

// Material is what signing and submission need from a record.
type Material struct {
	Stage       types.Stage
	Key         *ecdsa.PrivateKey
	Certificate *x509.Certificate
	Credentials authority.Credentials
}

// NotEligibleError blocks promotion to production.
type NotEligibleError struct {
	Branch  types.BranchKey
	Reason  string
	Missing []compliance.Combination
}

func (e *NotEligibleError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("branch %s not eligible for production: %d compliance check(s) missing, first %s",
			e.Branch, len(e.Missing), e.Missing[0])
	}
	return fmt.Sprintf("branch %s not eligible for production: %s", e.Branch, e.Reason)
}

func (e *NotEligibleError) Unwrap() error { return errors.ErrComplianceNotSatisfied }

// Details lists the missing combinations for an API error body.
func (e *NotEligibleError) Details() map[string]string {
	out := map[string]string{}
	if e.Reason != "" {
		out["reason"] = e.Reason
	}
	for i, c := range e.Missing {
		out[fmt.Sprintf("missing[%d]", i)] = c.String()
	}
	return out
}
