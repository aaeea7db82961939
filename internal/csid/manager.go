package csid

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ledgerline/einvoicing/internal/authority"
	"github.com/ledgerline/einvoicing/internal/compliance"
	"github.com/ledgerline/einvoicing/internal/csr"
	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/events"
	"github.com/ledgerline/einvoicing/internal/shared/metrics"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// Manager drives a branch from unregistered to production.
type Manager struct {
	store     Store
	authority authority.Authority
	gate      *compliance.Gate
	generator *csr.Generator
	publisher events.Publisher
	group     singleflight.Group
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithPublisher emits csid.issued events.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a certificate lifecycle manager.
func NewManager(store Store, auth authority.Authority, gate *compliance.Gate, gen *csr.Generator, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		authority: auth,
		gate:      gate,
		generator: gen,
		publisher: events.Nop{},
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IssueComplianceCertificate generates a key and CSR for identity and
// exchanges them, with the one-time password, for a compliance certificate.
// Concurrent calls for the same branch share one authority request.
func (m *Manager) IssueComplianceCertificate(ctx context.Context, identity csr.Identity, otp string) (*Record, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(otp) == "" {
		return nil, errors.Validation("otp is required", map[string]string{"otp": "is required"})
	}

	key := "compliance/" + identity.Branch.String()
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.issueCompliance(ctx, identity, otp)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

func (m *Manager) issueCompliance(ctx context.Context, identity csr.Identity, otp string) (*Record, error) {
	branch := identity.Branch
	if _, err := m.store.Get(ctx, branch, types.StageCompliance); err == nil {
		return nil, errors.Conflict("compliance certificate already issued for " + branch.String())
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	if t, err := types.ParseInvoicingType(string(identity.InvoicingType)); err == nil {
		identity.InvoicingType = t
	}
	request, err := m.generator.Generate(identity)
	if err != nil {
		return nil, err
	}

	issued, err := m.authority.IssueComplianceCSID(ctx, request.Base64, otp)
	if err != nil {
		metrics.RecordCertificateIssued(string(types.StageCompliance), false)
		m.logger.Warn("compliance certificate issuance failed",
			"org_id", branch.OrganizationID, "branch_id", branch.BranchID, "error", err)
		return nil, err
	}

	rec := &Record{
		Branch:        branch,
		Stage:         types.StageCompliance,
		InvoicingType: identity.InvoicingType,
		Identity:      identity,
		CSR:           request.Base64,
		privateKey:    request.PrivateKey,
	}
	if err := m.complete(ctx, rec, issued); err != nil {
		return nil, err
	}
	return rec, nil
}

// IssueProductionCertificate promotes a branch whose compliance checks are
// complete. The production certificate certifies the same key and CSR.
func (m *Manager) IssueProductionCertificate(ctx context.Context, branch types.BranchKey) (*Record, error) {
	v, err, _ := m.group.Do("production/"+branch.String(), func() (any, error) {
		return m.issueProduction(ctx, branch)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

func (m *Manager) issueProduction(ctx context.Context, branch types.BranchKey) (*Record, error) {
	comp, err := m.store.Get(ctx, branch, types.StageCompliance)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, &NotEligibleError{Branch: branch, Reason: "no compliance certificate issued"}
	}
	if err != nil {
		return nil, err
	}
	if _, err := m.store.Get(ctx, branch, types.StageProduction); err == nil {
		return nil, errors.Conflict("production certificate already issued for " + branch.String())
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	if !comp.InvoicingType.IsValid() {
		return nil, &NotEligibleError{Branch: branch, Reason: fmt.Sprintf("unknown invoicing type %q", comp.InvoicingType)}
	}
	progress, err := m.gate.Progress(ctx, branch, comp.InvoicingType)
	if err != nil {
		return nil, err
	}
	if !progress.Eligible() {
		return nil, &NotEligibleError{Branch: branch, Missing: progress.Missing}
	}

	creds, err := comp.Credentials()
	if err != nil {
		return nil, errors.Wrap(err, "compliance credentials unreadable")
	}
	issued, err := m.authority.IssueProductionCSID(ctx, comp.RequestID, creds)
	if err != nil {
		metrics.RecordCertificateIssued(string(types.StageProduction), false)
		m.logger.Warn("production certificate issuance failed",
			"org_id", branch.OrganizationID, "branch_id", branch.BranchID, "error", err)
		return nil, err
	}

	key, err := csr.ParsePrivateKey(comp.privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "compliance key unreadable")
	}
	if pub, ok := issued.Certificate.PublicKey.(*ecdsa.PublicKey); !ok || !pub.Equal(key.Public()) {
		metrics.RecordCertificateIssued(string(types.StageProduction), false)
		return nil, &authority.IssuanceRejectedError{
			Messages: []authority.Message{{Message: "issued certificate does not certify the branch key"}},
			Body:     issued.Body,
		}
	}

	rec := &Record{
		Branch:        branch,
		Stage:         types.StageProduction,
		InvoicingType: comp.InvoicingType,
		Identity:      comp.Identity,
		CSR:           comp.CSR,
		privateKey:    comp.privateKey,
	}
	if err := m.complete(ctx, rec, issued); err != nil {
		return nil, err
	}
	return rec, nil
}

// complete fills rec from the authority's answer, stores it and announces it.
func (m *Manager) complete(ctx context.Context, rec *Record, issued *authority.Issued) error {
	rec.Certificate = base64.StdEncoding.EncodeToString(issued.Certificate.Raw)
	rec.AuthToken = issued.Credentials.Token()
	rec.RequestID = issued.RequestID
	rec.Disposition = issued.Disposition
	rec.CreatedAt = m.now().UTC()

	if err := m.store.Create(ctx, rec); err != nil {
		return err
	}
	metrics.RecordCertificateIssued(string(rec.Stage), true)

	m.logger.Info("certificate issued",
		"org_id", rec.Branch.OrganizationID,
		"branch_id", rec.Branch.BranchID,
		"stage", rec.Stage,
		"request_id", rec.RequestID,
		"serial", issued.Certificate.SerialNumber.String(),
	)

	event := events.NewEvent(events.TypeCertificateIssued, "csid", map[string]any{
		"request_id":  rec.RequestID,
		"disposition": rec.Disposition,
		"serial":      issued.Certificate.SerialNumber.String(),
		"not_after":   issued.Certificate.NotAfter,
	}).ForChain(types.NewChainKey(rec.Branch, rec.Stage))
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("failed to publish certificate event", "error", err)
	}
	return nil
}

// SigningMaterial loads the key, certificate and credentials for signing and
// submitting under stage.
func (m *Manager) SigningMaterial(ctx context.Context, branch types.BranchKey, stage types.Stage) (*Material, error) {
	rec, err := m.store.Get(ctx, branch, stage)
	if err != nil {
		return nil, err
	}
	key, err := csr.ParsePrivateKey(rec.privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "signing key unreadable")
	}
	cert, err := rec.ParsedCertificate()
	if err != nil {
		return nil, errors.Wrap(err, "certificate unreadable")
	}
	creds, err := rec.Credentials()
	if err != nil {
		return nil, errors.Wrap(err, "credentials unreadable")
	}
	return &Material{Stage: stage, Key: key, Certificate: cert, Credentials: creds}, nil
}

// Record returns the stored record for (branch, stage).
func (m *Manager) Record(ctx context.Context, branch types.BranchKey, stage types.Stage) (*Record, error) {
	return m.store.Get(ctx, branch, stage)
}

// State reports the branch's onboarding state.
func (m *Manager) State(ctx context.Context, branch types.BranchKey) (State, error) {
	for _, s := range []struct {
		stage types.Stage
		state State
	}{
		{types.StageProduction, StateProductionIssued},
		{types.StageCompliance, StateComplianceIssued},
	} {
		_, err := m.store.Get(ctx, branch, s.stage)
		if err == nil {
			return s.state, nil
		}
		if !errors.Is(err, errors.ErrNotFound) {
			return "", err
		}
	}
	return StateUnregistered, nil
}

// ActiveStage is the most advanced stage the branch holds a certificate for.
func (m *Manager) ActiveStage(ctx context.Context, branch types.BranchKey) (types.Stage, error) {
	state, err := m.State(ctx, branch)
	if err != nil {
		return "", err
	}
	switch state {
	case StateProductionIssued:
		return types.StageProduction, nil
	case StateComplianceIssued:
		return types.StageCompliance, nil
	}
	return "", errors.NotFound("certificate", branch.String())
}
