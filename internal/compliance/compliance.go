// Package compliance tracks which invoice kinds a branch has pushed through
// the compliance check, and gates production onboarding on the full set.
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// Combination is one invoice kind the authority must have accepted.
type Combination struct {
	InvoiceType  invoice.InvoiceType  `json:"invoice_type"`
	DocumentType invoice.DocumentType `json:"document_type"`
}

func (c Combination) String() string {
	return fmt.Sprintf("%s/%s", c.InvoiceType, c.DocumentType)
}

// Required lists the combinations a branch registered for t must pass.
func Required(t types.InvoicingType) []Combination {
	var kinds []invoice.InvoiceType
	if t.Standard() {
		kinds = append(kinds, invoice.InvoiceTypeStandard)
	}
	if t.Simplified() {
		kinds = append(kinds, invoice.InvoiceTypeSimplified)
	}
	var out []Combination
	for _, k := range kinds {
		for _, d := range invoice.DocumentTypes {
			out = append(out, Combination{InvoiceType: k, DocumentType: d})
		}
	}
	return out
}

// Entry is one recorded success.
type Entry struct {
	Combination
	InvoiceID  types.ID  `json:"invoice_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store persists compliance successes. Recording a combination that is
// already present keeps the first entry.
type Store interface {
	Record(ctx context.Context, branch types.BranchKey, e Entry) error
	List(ctx context.Context, branch types.BranchKey) ([]Entry, error)
}

// Progress is a branch's position toward production eligibility.
type Progress struct {
	Branch    types.BranchKey     `json:"branch"`
	Invoicing types.InvoicingType `json:"invoicing_type"`
	Passed    []Entry             `json:"passed"`
	Missing   []Combination       `json:"missing"`
}

// Eligible reports whether nothing is missing. A branch with no required
// combinations is never eligible.
func (p *Progress) Eligible() bool {
	return len(p.Missing) == 0 && len(Required(p.Invoicing)) > 0
}

// Gate records compliance results and answers eligibility questions.
type Gate struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// NewGate creates a compliance gate.
func NewGate(store Store, opts ...Option) *Gate {
	g := &Gate{store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RecordSuccess notes that the authority accepted a compliance-stage invoice
// of the given kind.
func (g *Gate) RecordSuccess(ctx context.Context, branch types.BranchKey, invType invoice.InvoiceType, docType invoice.DocumentType, invoiceID types.ID) error {
	if !invType.IsValid() || !docType.IsValid() {
		return fmt.Errorf("record compliance success: invalid combination %s/%s", invType, docType)
	}
	e := Entry{
		Combination: Combination{InvoiceType: invType, DocumentType: docType},
		InvoiceID:   invoiceID,
		RecordedAt:  g.now().UTC(),
	}
	if err := g.store.Record(ctx, branch, e); err != nil {
		return fmt.Errorf("record compliance success: %w", err)
	}
	g.logger.Info("compliance check passed",
		"org_id", branch.OrganizationID,
		"branch_id", branch.BranchID,
		"combination", e.Combination.String(),
	)
	return nil
}

// Progress returns what the branch has passed and what is still missing.
func (g *Gate) Progress(ctx context.Context, branch types.BranchKey, t types.InvoicingType) (*Progress, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("unknown invoicing type %q", t)
	}
	entries, err := g.store.List(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("load compliance progress: %w", err)
	}
	passed := make(map[Combination]bool, len(entries))
	for _, e := range entries {
		passed[e.Combination] = true
	}

	p := &Progress{Branch: branch, Invoicing: t, Passed: entries}
	for _, c := range Required(t) {
		if !passed[c] {
			p.Missing = append(p.Missing, c)
		}
	}
	return p, nil
}

// IsProductionEligible reports whether every required combination has passed.
func (g *Gate) IsProductionEligible(ctx context.Context, branch types.BranchKey, t types.InvoicingType) (bool, error) {
	if !t.IsValid() {
		return false, fmt.Errorf("unknown invoicing type %q", t)
	}
	p, err := g.Progress(ctx, branch, t)
	if err != nil {
		return false, err
	}
	return p.Eligible(), nil
}
