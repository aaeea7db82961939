// Package tsa provides an internal RFC 3161 Time Stamping Authority used to
// archive issued invoices with a verifiable time of record.
package tsa

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"time"
)

// Config holds TSA server configuration.
type Config struct {
	// Enabled controls whether the TSA is active
	Enabled bool

	// Policy is the timestamp policy OID the tokens are issued under
	Policy asn1.ObjectIdentifier

	// Certificate is the TSA signing certificate
	Certificate *x509.Certificate

	// CertificateChain is the full certificate chain for verification
	CertificateChain []*x509.Certificate

	// PrivateKey is the TSA private key for signing
	PrivateKey crypto.Signer

	// HashAlgorithm for timestamp tokens (default: SHA-256)
	HashAlgorithm crypto.Hash

	// Accuracy is the claimed accuracy of timestamps
	Accuracy time.Duration

	// IncludeCertificate includes signing cert in the token
	IncludeCertificate bool
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:            true,
		Policy:             asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 2, 1},
		HashAlgorithm:      crypto.SHA256,
		Accuracy:           time.Second,
		IncludeCertificate: true,
	}
}
