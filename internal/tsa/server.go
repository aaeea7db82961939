package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/digitorus/timestamp"
)

// Server implements an RFC 3161 compliant Time Stamping Authority.
type Server struct {
	config *Config
	now    func() time.Time
	mu     sync.RWMutex
}

// NewServer creates a new TSA server with the given configuration.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HashAlgorithm == 0 {
		config.HashAlgorithm = crypto.SHA256
	}
	if !config.HashAlgorithm.Available() {
		return nil, fmt.Errorf("hash algorithm %s is not available", config.HashAlgorithm)
	}

	return &Server{config: config, now: time.Now}, nil
}

// NewServerWithGeneratedCert creates a TSA server with a self-signed certificate.
// Intended for development and single-node deployments.
func NewServerWithGeneratedCert(orgName string) (*Server, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization:       []string{orgName},
			OrganizationalUnit: []string{"Time Stamping Authority"},
			CommonName:         fmt.Sprintf("%s TSA", orgName),
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	config := DefaultConfig()
	config.Certificate = cert
	config.CertificateChain = []*x509.Certificate{cert}
	config.PrivateKey = privateKey

	return NewServer(config)
}

// Timestamp creates an RFC 3161 timestamp token for the given hash.
func (s *Server) Timestamp(ctx context.Context, dataHash []byte) (*TimestampResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.config.Enabled {
		return nil, fmt.Errorf("TSA is not enabled")
	}
	if s.config.Certificate == nil || s.config.PrivateKey == nil {
		return nil, fmt.Errorf("TSA certificate or private key not configured")
	}
	if len(dataHash) != s.config.HashAlgorithm.Size() {
		return nil, fmt.Errorf("hash must be %d bytes for %s", s.config.HashAlgorithm.Size(), s.config.HashAlgorithm)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ts := timestamp.Timestamp{
		HashAlgorithm:     s.config.HashAlgorithm,
		HashedMessage:     dataHash,
		Time:              s.now().UTC().Truncate(time.Second),
		Accuracy:          s.config.Accuracy,
		Policy:            s.config.Policy,
		AddTSACertificate: s.config.IncludeCertificate,
	}
	resp, err := ts.CreateResponseWithOpts(s.config.Certificate, s.config.PrivateKey, s.config.HashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to create timestamp token: %w", err)
	}

	// Round-trip through the parser: this yields the token and the serial
	// the library assigned.
	issued, err := timestamp.ParseResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read timestamp response: %w", err)
	}

	return &TimestampResponse{
		SerialNumber:  issued.SerialNumber.String(),
		Timestamp:     issued.Time,
		HashAlgorithm: s.config.HashAlgorithm.String(),
		HashedMessage: hex.EncodeToString(dataHash),
		Token:         issued.RawToken,
		PolicyOID:     issued.Policy.String(),
		Issuer:        s.config.Certificate.Subject.CommonName,
	}, nil
}

// TimestampData creates a timestamp for raw data (hashes it first).
func (s *Server) TimestampData(ctx context.Context, data []byte) (*TimestampResponse, error) {
	hash := sha256.Sum256(data)
	return s.Timestamp(ctx, hash[:])
}

// Verify verifies a timestamp token against the original hash.
func (s *Server) Verify(ctx context.Context, token []byte, originalHash []byte) (*VerifyResult, error) {
	ts, err := timestamp.Parse(token)
	if err != nil {
		return &VerifyResult{
			Valid:   false,
			Message: fmt.Sprintf("failed to parse timestamp token: %v", err),
		}, nil
	}

	if !bytes.Equal(ts.HashedMessage, originalHash) {
		return &VerifyResult{
			Valid:   false,
			Message: "hash mismatch: timestamp was created for different data",
		}, nil
	}

	if !s.issuedByChain(ts.Certificates) {
		return &VerifyResult{
			Valid:   false,
			Message: "timestamp was not issued by this authority",
		}, nil
	}

	return &VerifyResult{
		Valid:        true,
		Message:      "timestamp verified successfully",
		Timestamp:    ts.Time,
		SerialNumber: ts.SerialNumber.String(),
		Issuer:       s.config.Certificate.Subject.CommonName,
	}, nil
}

// issuedByChain reports whether the token's embedded signer certificate is
// one of ours. Parse has already checked the signature against it.
func (s *Server) issuedByChain(certs []*x509.Certificate) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range certs {
		for _, ours := range s.config.CertificateChain {
			if c.Equal(ours) {
				return true
			}
		}
	}
	return false
}

// GetCertificate returns the TSA certificate.
func (s *Server) GetCertificate() *x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Certificate
}

// GetCertificateChain returns the full certificate chain.
func (s *Server) GetCertificateChain() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.CertificateChain
}

// TimestampResponse contains the result of a timestamp operation.
type TimestampResponse struct {
	SerialNumber  string    `json:"serial_number"`
	Timestamp     time.Time `json:"timestamp"`
	HashAlgorithm string    `json:"hash_algorithm"`
	HashedMessage string    `json:"hashed_message"`
	Token         []byte    `json:"token"`
	PolicyOID     string    `json:"policy_oid"`
	Issuer        string    `json:"issuer"`
}

// VerifyResult contains the result of timestamp verification.
type VerifyResult struct {
	Valid        bool      `json:"valid"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
	SerialNumber string    `json:"serial_number,omitempty"`
	Issuer       string    `json:"issuer,omitempty"`
}
