// Package csr generates the signing key pair and the certificate signing
// request submitted to the tax authority during onboarding.
package csr

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

var (
	oidCertificateTemplate = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 20, 2}
	oidSubjectAltName      = asn1.ObjectIdentifier{2, 5, 29, 17}

	oidSurname           = asn1.ObjectIdentifier{2, 5, 4, 4}
	oidUserID            = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
	oidTitle             = asn1.ObjectIdentifier{2, 5, 4, 12}
	oidRegisteredAddress = asn1.ObjectIdentifier{2, 5, 4, 26}
	oidBusinessCategory  = asn1.ObjectIdentifier{2, 5, 4, 15}
)

var (
	countryCode = regexp.MustCompile(`^[A-Z]{2}$`)
	groupUnitID = regexp.MustCompile(`^\d{10}$`)
)

// Identity is the registrant data carried in the CSR subject and SAN.
type Identity struct {
	Branch types.BranchKey `json:"branch"`

	CommonName       string `json:"common_name"`
	OrganizationUnit string `json:"organization_unit"`
	Organization     string `json:"organization"`
	Country          string `json:"country"`

	TaxID         types.TaxID         `json:"tax_id"`
	InvoicingType types.InvoicingType `json:"invoicing_type"`
	// Location is the registered address, usually Address.OneLine().
	Location string `json:"location"`
	Industry string `json:"industry"`

	// SerialNumber is the device serial. Generated from the solution name
	// and version when empty.
	SerialNumber string `json:"serial_number,omitempty"`
}

// IdentityIncompleteError lists every identity field that blocks CSR generation.
type IdentityIncompleteError struct {
	Missing []string
}

func (e *IdentityIncompleteError) Error() string {
	return "identity incomplete: " + strings.Join(e.Missing, ", ")
}

func (e *IdentityIncompleteError) Unwrap() error {
	return errors.ErrIdentityIncomplete
}

// Validate checks every field the authority requires.
func (id Identity) Validate() error {
	var missing []string
	check := func(field, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, field)
		}
	}
	check("common_name", id.CommonName)
	check("organization_unit", id.OrganizationUnit)
	check("organization", id.Organization)
	check("location", id.Location)
	check("industry", id.Industry)

	if !countryCode.MatchString(id.Country) {
		missing = append(missing, "country")
	}
	if !id.TaxID.IsValid() {
		missing = append(missing, "tax_id")
	} else if id.TaxID.IsGroup() && !groupUnitID.MatchString(id.OrganizationUnit) {
		missing = append(missing, "organization_unit (group member TIN)")
	}
	if !id.InvoicingType.IsValid() {
		missing = append(missing, "invoicing_type")
	}
	if len(missing) > 0 {
		return &IdentityIncompleteError{Missing: missing}
	}
	return nil
}

// CSR is a signed request plus the exportable private key.
type CSR struct {
	DER []byte
	PEM []byte
	// Base64 is the transport encoding: base64 of the PEM serialization.
	Base64 string
	// PrivateKey is the SEC1 key with its PEM framing stripped.
	PrivateKey   string
	SerialNumber string
}

// Config holds the authority-mandated CSR parameters.
type Config struct {
	// Template is the certificate template name for the target environment.
	Template        string
	SolutionName    string
	SolutionVersion string
}

// Generator builds key pairs and CSRs.
type Generator struct {
	cfg    Config
	logger *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the generator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = l
	}
}

// NewGenerator creates a CSR generator.
func NewGenerator(cfg Config, opts ...Option) *Generator {
	g := &Generator{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateKeyPair creates a P-256 signing key.
func GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Generate creates a fresh key and the CSR for it.
func (g *Generator) Generate(id Identity) (*CSR, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	key, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return g.Build(id, key)
}

// Build creates a CSR for id signed by key.
func (g *Generator) Build(id Identity, key *ecdsa.PrivateKey) (*CSR, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("build csr: nil key")
	}
	if g.cfg.Template == "" {
		return nil, fmt.Errorf("build csr: certificate template not configured")
	}

	serial := id.SerialNumber
	if serial == "" {
		serial = fmt.Sprintf("1-%s|2-%s|3-%s", g.cfg.SolutionName, g.cfg.SolutionVersion, uuid.NewString())
	}

	templateExt, err := asn1.MarshalWithParams(g.cfg.Template, "printable")
	if err != nil {
		return nil, fmt.Errorf("encode template extension: %w", err)
	}
	sanExt, err := marshalSAN(pkix.RDNSequence{
		{{Type: oidSurname, Value: serial}},
		{{Type: oidUserID, Value: id.TaxID.String()}},
		{{Type: oidTitle, Value: id.InvoicingType.Flag()}},
		{{Type: oidRegisteredAddress, Value: id.Location}},
		{{Type: oidBusinessCategory, Value: id.Industry}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode subject alternative name: %w", err)
	}

	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{
			Country:            []string{id.Country},
			OrganizationalUnit: []string{id.OrganizationUnit},
			Organization:       []string{id.Organization},
			CommonName:         id.CommonName,
		},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		ExtraExtensions: []pkix.Extension{
			{Id: oidCertificateTemplate, Value: templateExt},
			{Id: oidSubjectAltName, Value: sanExt},
		},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("sign csr: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	g.logger.Debug("csr generated",
		slog.String("org_id", id.Branch.OrganizationID.String()),
		slog.String("branch_id", id.Branch.BranchID.String()),
		slog.String("template", g.cfg.Template),
	)
	return &CSR{
		DER:          der,
		PEM:          pemBytes,
		Base64:       base64.StdEncoding.EncodeToString(pemBytes),
		PrivateKey:   StripPEM(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
		SerialNumber: serial,
	}, nil
}

// marshalSAN encodes GeneralNames holding a single directoryName.
func marshalSAN(name pkix.RDNSequence) ([]byte, error) {
	inner, err := asn1.Marshal(name)
	if err != nil {
		return nil, err
	}
	dirName := asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: inner}
	return asn1.Marshal([]asn1.RawValue{dirName})
}

// StripPEM drops the BEGIN/END lines and newlines, leaving the base64 body.
func StripPEM(b []byte) string {
	var sb strings.Builder
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		sb.WriteString(line)
	}
	return sb.String()
}

// ParsePrivateKey reads a key stored by Build, framed or not.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(StripPEM([]byte(s)))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse private key: not an ECDSA key")
	}
	return key, nil
}

// ParseCSR decodes the transport encoding produced by Build.
func ParseCSR(b64 string) (*x509.CertificateRequest, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode csr: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode csr: no PEM block")
	}
	return x509.ParseCertificateRequest(block.Bytes)
}

// SANAttributes decodes the directoryName attributes of a CSR's SAN extension, keyed by OID.
func SANAttributes(req *x509.CertificateRequest) (map[string]string, error) {
	for _, ext := range req.Extensions {
		if !ext.Id.Equal(oidSubjectAltName) {
			continue
		}
		var names []asn1.RawValue
		if _, err := asn1.Unmarshal(ext.Value, &names); err != nil {
			return nil, fmt.Errorf("decode san: %w", err)
		}
		out := map[string]string{}
		for _, n := range names {
			if n.Class != asn1.ClassContextSpecific || n.Tag != 4 {
				continue
			}
			var rdns pkix.RDNSequence
			if _, err := asn1.Unmarshal(n.Bytes, &rdns); err != nil {
				return nil, fmt.Errorf("decode directory name: %w", err)
			}
			for _, rdn := range rdns {
				for _, atv := range rdn {
					out[atv.Type.String()] = fmt.Sprint(atv.Value)
				}
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("subject alternative name not present")
}
