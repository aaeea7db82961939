// Package authority talks to the tax authority: certificate issuance and
// invoice submission.
package authority

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// Authority is a tax authority the engine reports to.
type Authority interface {
	// IssueComplianceCSID exchanges a CSR and one-time password for a
	// compliance certificate.
	IssueComplianceCSID(ctx context.Context, csrBase64, otp string) (*Issued, error)
	// IssueProductionCSID exchanges a compliance request id, authenticated
	// with the compliance credentials, for a production certificate.
	IssueProductionCSID(ctx context.Context, complianceRequestID string, creds Credentials) (*Issued, error)
	// Submit sends a signed invoice to the endpoint its stage and type require.
	Submit(ctx context.Context, sub Submission) (*Result, error)
}

// Credentials are the token pair the authority issues with a certificate.
type Credentials struct {
	BinarySecurityToken string `json:"binary_security_token"`
	Secret              string `json:"secret"`
}

// Token packs the pair the way it is sent in basic auth.
func (c Credentials) Token() string {
	return base64.StdEncoding.EncodeToString([]byte(c.BinarySecurityToken + ":" + c.Secret))
}

// IsZero reports whether no credentials are set.
func (c Credentials) IsZero() bool {
	return c.BinarySecurityToken == "" && c.Secret == ""
}

// ParseToken unpacks a token produced by Credentials.Token.
func ParseToken(token string) (Credentials, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Credentials{}, fmt.Errorf("decode authorization token: %w", err)
	}
	bst, secret, ok := strings.Cut(string(raw), ":")
	if !ok {
		return Credentials{}, fmt.Errorf("authorization token has no secret")
	}
	return Credentials{BinarySecurityToken: bst, Secret: secret}, nil
}

// Issued is a certificate returned by the authority.
type Issued struct {
	RequestID   string
	Disposition string
	Credentials Credentials
	Certificate *x509.Certificate
	// Body is the raw response.
	Body []byte
}

// DecodeCertificate parses a binary security token: base64 of the base64 DER.
func DecodeCertificate(binarySecurityToken string) (*x509.Certificate, error) {
	inner, err := base64.StdEncoding.DecodeString(binarySecurityToken)
	if err != nil {
		return nil, fmt.Errorf("decode security token: %w", err)
	}
	der, err := base64.StdEncoding.DecodeString(string(inner))
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// EncodeCertificate is the inverse of DecodeCertificate.
func EncodeCertificate(cert *x509.Certificate) string {
	inner := base64.StdEncoding.EncodeToString(cert.Raw)
	return base64.StdEncoding.EncodeToString([]byte(inner))
}

// Submission is one signed invoice on its way to the authority.
type Submission struct {
	Stage       types.Stage
	InvoiceType invoice.InvoiceType
	UUID        string
	Digest      string
	Document    []byte
	Credentials Credentials
}

// Result is the authority's verdict on an accepted submission.
type Result struct {
	Status     invoice.Status
	HTTPStatus int
	// Document is the cleared document returned on clearance; nil otherwise.
	Document []byte
	Warnings []Message
	Body     []byte
}

// Message is one validation message in an authority response.
type Message struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Category string `json:"category"`
	Message  string `json:"message"`
	Status   string `json:"status"`
}

// IssuanceRejectedError is a certificate request the authority declined.
type IssuanceRejectedError struct {
	HTTPStatus int
	Messages   []Message
	Body       []byte
}

func (e *IssuanceRejectedError) Error() string {
	return fmt.Sprintf("certificate issuance rejected (http %d)%s", e.HTTPStatus, summarize(e.Messages))
}

func (e *IssuanceRejectedError) Unwrap() error { return errors.ErrIssuanceRejected }

// AuthorityPayload returns the raw response body.
func (e *IssuanceRejectedError) AuthorityPayload() []byte { return e.Body }

// InvoiceRejectedError is a submission the authority did not accept.
type InvoiceRejectedError struct {
	HTTPStatus int
	Status     string
	Messages   []Message
	Body       []byte
}

func (e *InvoiceRejectedError) Error() string {
	status := e.Status
	if status == "" {
		status = "no status"
	}
	return fmt.Sprintf("invoice rejected by authority (http %d, %s)%s", e.HTTPStatus, status, summarize(e.Messages))
}

func (e *InvoiceRejectedError) Unwrap() error { return errors.ErrInvoiceRejected }

// AuthorityPayload returns the raw response body.
func (e *InvoiceRejectedError) AuthorityPayload() []byte { return e.Body }

// UnreachableError is a transport failure that outlasted the retry policy.
type UnreachableError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("authority unreachable at %s after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *UnreachableError) Unwrap() []error { return []error{errors.ErrAuthorityUnreachable, e.Err} }

func summarize(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Code != "" {
			parts = append(parts, m.Code+": "+m.Message)
		} else {
			parts = append(parts, m.Message)
		}
	}
	return ": " + strings.Join(parts, "; ")
}
