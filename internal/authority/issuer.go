package authority

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// LocalIssuer signs certificate requests with a self-generated CA. It backs
// the None authority and development setups; it is not a production PKI.
type LocalIssuer struct {
	key      *ecdsa.PrivateKey
	ca       *x509.Certificate
	validity time.Duration
	now      func() time.Time
}

// NewLocalIssuer generates a CA key and self-signed CA certificate.
func NewLocalIssuer(orgName string) (*LocalIssuer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{orgName},
			OrganizationalUnit: []string{"Local Issuing CA"},
			CommonName:         fmt.Sprintf("%s Issuing CA", orgName),
		},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	ca, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return &LocalIssuer{key: key, ca: ca, validity: 365 * 24 * time.Hour, now: time.Now}, nil
}

// CA returns the issuing certificate.
func (i *LocalIssuer) CA() *x509.Certificate {
	return i.ca
}

// IssueFromCSR verifies the request's self-signature and issues a code
// signing certificate for its subject, key and extensions.
func (i *LocalIssuer) IssueFromCSR(req *x509.CertificateRequest) (*x509.Certificate, error) {
	if err := req.CheckSignature(); err != nil {
		return nil, fmt.Errorf("csr signature: %w", err)
	}
	return i.issue(req.Subject, req.PublicKey, req.Extensions)
}

// Reissue issues a fresh certificate for the subject, key and extensions of cert.
func (i *LocalIssuer) Reissue(cert *x509.Certificate) (*x509.Certificate, error) {
	return i.issue(cert.Subject, cert.PublicKey, cert.Extensions)
}

func (i *LocalIssuer) issue(subject pkix.Name, pub any, exts []pkix.Extension) (*x509.Certificate, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := i.now()
	template := &x509.Certificate{
		SerialNumber:    serial,
		Subject:         subject,
		NotBefore:       now.Add(-1 * time.Minute),
		NotAfter:        now.Add(i.validity),
		KeyUsage:        x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtraExtensions: copyExtensions(exts),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, i.ca, pub, i.key)
	if err != nil {
		return nil, fmt.Errorf("failed to issue certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// copyExtensions keeps the request's custom extensions and drops the ones
// the certificate template sets itself.
func copyExtensions(exts []pkix.Extension) []pkix.Extension {
	var out []pkix.Extension
	for _, e := range exts {
		switch e.Id.String() {
		case "2.5.29.15", "2.5.29.19", "2.5.29.14", "2.5.29.35":
			continue
		}
		out = append(out, e)
	}
	return out
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}
