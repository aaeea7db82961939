// Package authoritytest runs an in-process tax authority for tests. It issues
// real certificates from a local CA and verifies every submitted signature.
package authoritytest

import (
	"bytes"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerline/einvoicing/internal/authority"
	"github.com/ledgerline/einvoicing/internal/csr"
	"github.com/ledgerline/einvoicing/internal/shared/config"
	"github.com/ledgerline/einvoicing/internal/signer"
)

// DefaultOTP is the one-time password the server accepts unless changed.
const DefaultOTP = "123456"

// ClearedMarker is appended to documents returned by the clearance endpoint.
const ClearedMarker = "<!-- cleared -->"

// Server is a fake authority speaking the HTTP API.
type Server struct {
	*httptest.Server

	// OTP is the accepted one-time password.
	OTP string
	// RejectInvoices makes every submission fail validation.
	RejectInvoices atomic.Bool

	issuer      *authority.LocalIssuer
	unavailable atomic.Int32
	nextID      atomic.Int64

	mu       sync.Mutex
	requests map[string]*x509.Certificate
	secrets  map[string]string
	calls    []string
}

// New starts a fake authority and stops it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	issuer, err := authority.NewLocalIssuer("Test Authority")
	if err != nil {
		t.Fatalf("create issuer: %v", err)
	}
	s := &Server{
		OTP:      DefaultOTP,
		issuer:   issuer,
		requests: make(map[string]*x509.Certificate),
		secrets:  make(map[string]string),
	}
	s.nextID.Store(1234567890000)

	r := chi.NewRouter()
	r.Post("/compliance-csid", s.complianceCSID)
	r.Post("/production-csid", s.productionCSID)
	r.Post("/compliance-invoices", s.submit(true))
	r.Post("/invoices/clearance", s.submit(false))
	r.Post("/invoices/reporting", s.submit(false))

	s.Server = httptest.NewServer(s.recording(r))
	t.Cleanup(s.Close)
	return s
}

// Config returns an authority configuration pointing at the server with
// retries fast enough for tests.
func (s *Server) Config() config.AuthorityConfig {
	return config.AuthorityConfig{
		Kind:           "zatca",
		BaseURL:        s.URL,
		Environment:    "sandbox",
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		AcceptVersion:  "V2",
		AcceptLanguage: "en",
	}
}

// FailNext makes the next n requests answer 503.
func (s *Server) FailNext(n int) {
	s.unavailable.Store(int32(n))
}

// Calls returns the paths requested so far, in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CA returns the certificate that signs every issued certificate.
func (s *Server) CA() *x509.Certificate {
	return s.issuer.CA()
}

func (s *Server) recording(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, r.URL.Path)
		s.mu.Unlock()

		if s.unavailable.Add(-1) >= 0 {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		s.unavailable.Store(0)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) complianceCSID(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("OTP") != s.OTP {
		writeErrors(w, http.StatusBadRequest, "Invalid-OTP", "the provided OTP is invalid")
		return
	}
	var body struct {
		CSR string `json:"csr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CSR == "" {
		writeErrors(w, http.StatusBadRequest, "Missing-CSR", "csr is required")
		return
	}
	req, err := csr.ParseCSR(body.CSR)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "Invalid-CSR", err.Error())
		return
	}
	cert, err := s.issuer.IssueFromCSR(req)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "Invalid-CSR", err.Error())
		return
	}
	s.issue(w, cert, true)
}

func (s *Server) productionCSID(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		writeErrors(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
		return
	}
	var body struct {
		RequestID string `json:"compliance_request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrors(w, http.StatusBadRequest, "Invalid-Request", err.Error())
		return
	}
	s.mu.Lock()
	compliance, ok := s.requests[body.RequestID]
	s.mu.Unlock()
	if !ok {
		writeErrors(w, http.StatusBadRequest, "Invalid-Request-ID", "unknown compliance request id")
		return
	}
	cert, err := s.issuer.Reissue(compliance)
	if err != nil {
		writeErrors(w, http.StatusInternalServerError, "Issuer", err.Error())
		return
	}
	s.issue(w, cert, false)
}

func (s *Server) issue(w http.ResponseWriter, cert *x509.Certificate, compliance bool) {
	secret, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 96))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	id := s.nextID.Add(1)
	bst := authority.EncodeCertificate(cert)
	secretText := base64.StdEncoding.EncodeToString(secret.Bytes())

	s.mu.Lock()
	if compliance {
		s.requests[fmt.Sprint(id)] = cert
	}
	s.secrets[bst] = secretText
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"requestID":           id,
		"dispositionMessage":  "ISSUED",
		"binarySecurityToken": bst,
		"secret":              secretText,
	})
}

func (s *Server) authenticate(r *http.Request) (*x509.Certificate, bool) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	secret, known := s.secrets[user]
	s.mu.Unlock()
	if !known || secret != pass {
		return nil, false
	}
	cert, err := authority.DecodeCertificate(user)
	if err != nil {
		return nil, false
	}
	return cert, true
}

func (s *Server) submit(compliance bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cert, ok := s.authenticate(r)
		if !ok {
			writeErrors(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
			return
		}
		var body struct {
			InvoiceHash string `json:"invoiceHash"`
			UUID        string `json:"uuid"`
			Invoice     string `json:"invoice"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErrors(w, http.StatusBadRequest, "Invalid-Request", err.Error())
			return
		}

		var problems []string
		doc, err := base64.StdEncoding.DecodeString(body.Invoice)
		if err != nil {
			problems = append(problems, "invoice is not base64")
		} else {
			if digest, err := signer.ExtractDigest(doc); err != nil || digest != body.InvoiceHash {
				problems = append(problems, "invoiceHash does not match the document")
			}
			if err := signer.Verify(doc, cert); err != nil {
				problems = append(problems, err.Error())
			}
		}
		if s.RejectInvoices.Load() {
			problems = append(problems, "rejected by test configuration")
		}

		clearance := r.URL.Path == "/invoices/clearance"
		reporting := r.URL.Path == "/invoices/reporting"
		if len(problems) > 0 {
			msgs := make([]map[string]string, len(problems))
			for i, p := range problems {
				msgs[i] = map[string]string{"type": "ERROR", "code": "invalid", "category": "XSD", "message": p, "status": "ERROR"}
			}
			resp := map[string]any{
				"validationResults": map[string]any{"status": "ERROR", "errorMessages": msgs},
			}
			if clearance || compliance {
				resp["clearanceStatus"] = "NOT_CLEARED"
			}
			if reporting || compliance {
				resp["reportingStatus"] = "NOT_REPORTED"
			}
			writeJSON(w, http.StatusBadRequest, resp)
			return
		}

		resp := map[string]any{
			"validationResults": map[string]any{"status": "PASS"},
		}
		switch {
		case compliance:
			resp["clearanceStatus"] = "CLEARED"
			resp["reportingStatus"] = "REPORTED"
		case clearance:
			resp["clearanceStatus"] = "CLEARED"
			resp["clearedInvoice"] = base64.StdEncoding.EncodeToString(append(bytes.Clone(doc), ClearedMarker...))
		case reporting:
			resp["reportingStatus"] = "REPORTED"
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeErrors(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"errors": []map[string]string{{"code": code, "message": message}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
