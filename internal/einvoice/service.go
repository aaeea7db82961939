// Package einvoice issues invoices end to end: it computes, chains, renders,
// signs and submits them, and keeps the chain consistent when any step fails.
package einvoice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledgerline/einvoicing/internal/authority"
	"github.com/ledgerline/einvoicing/internal/chain"
	"github.com/ledgerline/einvoicing/internal/compliance"
	"github.com/ledgerline/einvoicing/internal/csid"
	"github.com/ledgerline/einvoicing/internal/csr"
	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/events"
	"github.com/ledgerline/einvoicing/internal/shared/logging"
	"github.com/ledgerline/einvoicing/internal/shared/metrics"
	"github.com/ledgerline/einvoicing/internal/shared/types"
	"github.com/ledgerline/einvoicing/internal/signer"
	"github.com/ledgerline/einvoicing/internal/ubl"
)

// Invoices is the signed invoice store the service writes to.
type Invoices interface {
	Save(ctx context.Context, s *invoice.SignedInvoice) error
	FindByID(ctx context.Context, id types.ID) (*invoice.SignedInvoice, error)
	ListChain(ctx context.Context, key types.ChainKey) ([]*invoice.SignedInvoice, error)
	List(ctx context.Context, f invoice.ListFilter) ([]*invoice.SignedInvoice, error)
}

// Service is the invoicing entry point.
type Service struct {
	certs     *csid.Manager
	sequencer *chain.Sequencer
	auth      authority.Authority
	invoices  Invoices
	gate      *compliance.Gate
	faults    FaultStore

	builder   *ubl.Builder
	signer    *signer.Signer
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithPublisher sets where invoice and chain events go.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithSigner replaces the default signer.
func WithSigner(sg *signer.Signer) Option {
	return func(s *Service) {
		s.signer = sg
	}
}

// WithBuilder replaces the default document builder.
func WithBuilder(b *ubl.Builder) Option {
	return func(s *Service) {
		s.builder = b
	}
}

// NewService wires the invoicing pipeline.
func NewService(
	certs *csid.Manager,
	sequencer *chain.Sequencer,
	auth authority.Authority,
	invoices Invoices,
	gate *compliance.Gate,
	faults FaultStore,
	opts ...Option,
) *Service {
	s := &Service{
		certs:     certs,
		sequencer: sequencer,
		auth:      auth,
		invoices:  invoices,
		gate:      gate,
		faults:    faults,
		builder:   ubl.NewBuilder(nil),
		publisher: events.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.signer == nil {
		s.signer = signer.New(signer.WithLogger(s.logger))
	}
	return s
}

// IssueRequest asks for one invoice to be issued.
type IssueRequest struct {
	Branch types.BranchKey
	// Stage defaults to the most advanced stage the branch holds a certificate for.
	Stage    types.Stage
	Draft    *invoice.Draft
	Supplier invoice.Party
	Customer *invoice.Party
}

// ReconciliationRequiredError reports an invoice the authority accepted that
// could not be recorded. Its chain is halted until ReconcileChain runs.
type ReconciliationRequiredError struct {
	Chain     types.ChainKey
	InvoiceID types.ID
	ICV       int64
	Err       error
}

func (e *ReconciliationRequiredError) Error() string {
	return fmt.Sprintf("invoice %s accepted at icv %d on %s but not recorded: %v", e.InvoiceID, e.ICV, e.Chain, e.Err)
}

func (e *ReconciliationRequiredError) Unwrap() []error {
	return []error{errors.ErrReconciliationRequired, e.Err}
}

// Issue computes, chains, signs and submits one invoice.
//
// Until the authority accepts the invoice every failure leaves the chain
// untouched. After acceptance the invoice is never resubmitted: a failure to
// commit or record it halts the chain and returns a ReconciliationRequiredError.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*invoice.SignedInvoice, error) {
	if req.Draft == nil {
		return nil, errors.BadRequest("draft is required")
	}
	if err := req.Branch.Validate(); err != nil {
		return nil, errors.Validation(err.Error(), nil)
	}
	computed, err := invoice.Compute(req.Draft)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNotIssued(ctx, req.Draft.ID); err != nil {
		return nil, err
	}

	stage := req.Stage
	if stage == "" {
		if stage, err = s.certs.ActiveStage(ctx, req.Branch); err != nil {
			return nil, err
		}
	}
	if err := s.checkRegistered(ctx, req.Branch, stage, req.Draft.InvoiceType); err != nil {
		return nil, err
	}
	material, err := s.certs.SigningMaterial(ctx, req.Branch, stage)
	if err != nil {
		return nil, err
	}

	key := types.NewChainKey(req.Branch, stage)
	logger := s.logger.With(logging.ChainAttrs(key)...).With(slog.String("invoice_id", req.Draft.ID.String()))

	reservation, err := s.sequencer.Reserve(ctx, key)
	if err != nil {
		return nil, err
	}
	logger = logger.With(slog.Int64("icv", reservation.ICV))

	// A concurrent Issue of the same draft may have finished while we waited
	// for the chain lock.
	if err := s.ensureNotIssued(ctx, req.Draft.ID); err != nil {
		s.sequencer.Release(reservation)
		return nil, err
	}

	signed, result, err := s.submit(ctx, reservation, computed, material, req)
	if err != nil {
		s.sequencer.Release(reservation)
		s.rejected(ctx, key, req.Draft, err, logger)
		return nil, err
	}

	record := &invoice.SignedInvoice{
		ID:                  req.Draft.ID,
		Branch:              req.Branch,
		Stage:               stage,
		Number:              req.Draft.Number,
		DocumentType:        req.Draft.DocumentType,
		InvoiceType:         req.Draft.InvoiceType,
		Draft:               *req.Draft,
		Totals:              computed.Totals,
		PIH:                 reservation.PIH,
		ICV:                 reservation.ICV,
		Digest:              signed.Digest,
		QR:                  signed.QR,
		Document:            signed.Bytes,
		Status:              result.Status,
		AuthorityHTTPStatus: result.HTTPStatus,
		AuthorityBody:       result.Body,
		CreatedAt:           s.now().UTC(),
	}
	if result.Document != nil {
		record.Document = result.Document
		if qr, err := signer.ExtractQR(result.Document); err == nil {
			record.QR = qr
		}
	}

	// The record is saved while the chain lock is still held, so a retry of
	// the same draft blocked on the lock finds it.
	if err := s.invoices.Save(ctx, record); err != nil {
		err = s.reconciliationRequired(ctx, record, fmt.Errorf("save invoice: %w", err), logger)
		s.sequencer.Release(reservation)
		return nil, err
	}
	if err := s.sequencer.Commit(ctx, reservation, record.Digest); err != nil {
		return nil, s.reconciliationRequired(ctx, record, fmt.Errorf("commit chain: %w", err), logger)
	}

	if stage == types.StageCompliance {
		if err := s.gate.RecordSuccess(ctx, req.Branch, record.InvoiceType, record.DocumentType, record.ID); err != nil {
			logger.Error("failed to record compliance progress", slog.String("error", err.Error()))
		}
	}

	metrics.RecordInvoiceSubmitted(string(stage), string(record.InvoiceType), "accepted")
	if len(result.Warnings) > 0 {
		logger.Warn("invoice accepted with warnings", slog.Int("warnings", len(result.Warnings)))
	}
	logger.Info("invoice issued", slog.String("status", string(record.Status)))

	event := events.NewEvent(events.TypeInvoiceIssued, "einvoice", map[string]any{
		"invoice_id":    record.ID,
		"number":        record.Number,
		"document_type": record.DocumentType,
		"invoice_type":  record.InvoiceType,
		"icv":           record.ICV,
		"digest":        record.Digest,
		"status":        record.Status,
	}).ForChain(key)
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish invoice event", slog.String("error", err.Error()))
	}
	return record, nil
}

func (s *Service) ensureNotIssued(ctx context.Context, id types.ID) error {
	_, err := s.invoices.FindByID(ctx, id)
	if err == nil {
		return errors.Conflict(fmt.Sprintf("invoice %s already issued", id))
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	return nil
}

// submit renders, signs and submits under r. Nothing it does is visible
// outside the process unless it returns a nil error.
func (s *Service) submit(ctx context.Context, r *chain.Reservation, c *invoice.Computed, m *csid.Material, req IssueRequest) (*signer.Envelope, *authority.Result, error) {
	doc, err := s.builder.Render(c, r.Link, req.Supplier, req.Customer)
	if err != nil {
		return nil, nil, err
	}
	env, err := s.signer.Sign(doc.Bytes, m.Key, m.Certificate)
	if err != nil {
		return nil, nil, err
	}
	if err := s.sequencer.Check(ctx, r); err != nil {
		return nil, nil, err
	}
	result, err := s.auth.Submit(ctx, authority.Submission{
		Stage:       r.Key.Stage,
		InvoiceType: c.Draft.InvoiceType,
		UUID:        doc.UUID,
		Digest:      env.Digest,
		Document:    env.Bytes,
		Credentials: m.Credentials,
	})
	if err != nil {
		return nil, nil, err
	}
	return env, result, nil
}

func (s *Service) checkRegistered(ctx context.Context, branch types.BranchKey, stage types.Stage, t invoice.InvoiceType) error {
	rec, err := s.certs.Record(ctx, branch, stage)
	if err != nil {
		return err
	}
	if (t == invoice.InvoiceTypeStandard && !rec.InvoicingType.Standard()) ||
		(t == invoice.InvoiceTypeSimplified && !rec.InvoicingType.Simplified()) {
		return errors.Validation(fmt.Sprintf("branch is not registered for %s invoices", t),
			map[string]string{"invoice_type": string(t)})
	}
	return nil
}

func (s *Service) rejected(ctx context.Context, key types.ChainKey, d *invoice.Draft, cause error, logger *slog.Logger) {
	outcome := "failed"
	switch {
	case errors.Is(cause, errors.ErrInvoiceRejected):
		outcome = "rejected"
	case errors.Is(cause, errors.ErrAuthorityUnreachable):
		outcome = "unreachable"
	}
	metrics.RecordInvoiceSubmitted(string(key.Stage), string(d.InvoiceType), outcome)
	logger.Warn("invoice not issued", slog.String("outcome", outcome), slog.String("error", cause.Error()))

	app := errors.FromDomain(cause)
	event := events.NewEvent(events.TypeInvoiceRejected, "einvoice", map[string]any{
		"invoice_id": d.ID,
		"number":     d.Number,
		"code":       app.Code,
		"reason":     cause.Error(),
	}).ForChain(key)
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish rejection event", slog.String("error", err.Error()))
	}
}

func (s *Service) reconciliationRequired(ctx context.Context, record *invoice.SignedInvoice, cause error, logger *slog.Logger) error {
	key := record.ChainKey()
	// The caller's context may be what failed; these writes must still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	metrics.RecordInvoiceSubmitted(string(key.Stage), string(record.InvoiceType), "reconciliation_required")
	metrics.RecordReconciliationFault()
	logger.Error("accepted invoice not recorded, halting chain", slog.String("error", cause.Error()))

	fault := &Fault{
		ID:        types.NewID(),
		Chain:     key,
		InvoiceID: record.ID,
		ICV:       record.ICV,
		Digest:    record.Digest,
		Cause:     cause.Error(),
		Record:    newFaultRecord(record),
		CreatedAt: s.now().UTC(),
	}
	if err := s.faults.Record(ctx, fault); err != nil {
		logger.Error("failed to record reconciliation fault", slog.String("error", err.Error()))
	}
	if err := s.sequencer.Halt(ctx, key, cause.Error()); err != nil {
		logger.Error("failed to halt chain", slog.String("error", err.Error()))
	}

	event := events.NewEvent(events.TypeReconciliationRequired, "einvoice", map[string]any{
		"invoice_id": record.ID,
		"fault_id":   fault.ID,
		"icv":        record.ICV,
		"digest":     record.Digest,
		"cause":      cause.Error(),
	}).ForChain(key)
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish reconciliation event", slog.String("error", err.Error()))
	}

	return &ReconciliationRequiredError{Chain: key, InvoiceID: record.ID, ICV: record.ICV, Err: cause}
}

// Onboard requests the branch's compliance certificate.
func (s *Service) Onboard(ctx context.Context, identity csr.Identity, otp string) (*csid.Record, error) {
	return s.certs.IssueComplianceCertificate(ctx, identity, otp)
}

// Promote exchanges the branch's compliance certificate for a production one.
func (s *Service) Promote(ctx context.Context, branch types.BranchKey) (*csid.Record, error) {
	return s.certs.IssueProductionCertificate(ctx, branch)
}

// ComplianceProgress reports which required combinations the branch has passed.
func (s *Service) ComplianceProgress(ctx context.Context, branch types.BranchKey) (*compliance.Progress, error) {
	rec, err := s.certs.Record(ctx, branch, types.StageCompliance)
	if err != nil {
		return nil, err
	}
	return s.gate.Progress(ctx, branch, rec.InvoicingType)
}

// Invoice returns a signed invoice by ID.
func (s *Service) Invoice(ctx context.Context, id types.ID) (*invoice.SignedInvoice, error) {
	return s.invoices.FindByID(ctx, id)
}

// Invoices lists signed invoices.
func (s *Service) Invoices(ctx context.Context, f invoice.ListFilter) ([]*invoice.SignedInvoice, error) {
	return s.invoices.List(ctx, f)
}
