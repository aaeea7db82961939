package einvoice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ledgerline/einvoicing/internal/chain"
	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/events"
	"github.com/ledgerline/einvoicing/internal/shared/logging"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// ChainReport is the result of checking a chain's stored invoices against
// its sequencer state.
type ChainReport struct {
	Chain    types.ChainKey `json:"chain"`
	Invoices int            `json:"invoices"`
	// Derived is the head the stored invoices imply.
	Derived chain.Link `json:"derived"`
	// Head is the sequencer's committed head.
	Head       chain.Link `json:"head"`
	Halted     bool       `json:"halted"`
	HaltReason string     `json:"halt_reason,omitempty"`
	OpenFaults int        `json:"open_faults"`
	Valid      bool       `json:"valid"`
	Problem    string     `json:"problem,omitempty"`
}

func entries(invoices []*invoice.SignedInvoice) []chain.Entry {
	out := make([]chain.Entry, len(invoices))
	for i, s := range invoices {
		out[i] = chain.Entry{ICV: s.ICV, PIH: s.PIH, Digest: s.Digest}
	}
	return out
}

// VerifyChain recomputes the chain from stored invoices. A chain is valid
// when the invoices link from the seed and end at the committed head, and
// the chain is not halted.
func (s *Service) VerifyChain(ctx context.Context, key types.ChainKey) (*ChainReport, error) {
	stored, err := s.invoices.ListChain(ctx, key)
	if err != nil {
		return nil, err
	}
	state, err := s.sequencer.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	open, err := s.faults.Open(ctx, key)
	if err != nil {
		return nil, err
	}

	list := entries(stored)
	report := &ChainReport{
		Chain:      key,
		Invoices:   len(stored),
		Head:       state.Head,
		Halted:     state.Halted,
		HaltReason: state.HaltReason,
		OpenFaults: len(open),
		Valid:      true,
	}
	if err := chain.VerifyChain(key, list); err != nil {
		report.Valid = false
		report.Problem = err.Error()
		return report, nil
	}
	report.Derived = chain.HeadOf(key, list)
	switch {
	case report.Derived != state.Head:
		report.Valid = false
		report.Problem = fmt.Sprintf("stored invoices end at icv %d, chain head is icv %d", report.Derived.ICV, state.Head.ICV)
	case state.Halted:
		report.Valid = false
		report.Problem = "chain halted: " + state.HaltReason
	}
	return report, nil
}

// ReconcileChain brings a halted chain back into service. Accepted invoices
// preserved by open faults are recorded first; the stored invoices must then
// form an unbroken chain, whose head becomes the new chain head.
func (s *Service) ReconcileChain(ctx context.Context, key types.ChainKey) (*ChainReport, error) {
	logger := s.logger.With(logging.ChainAttrs(key)...)

	open, err := s.faults.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, f := range open {
		record := f.Record.SignedInvoice()
		if record == nil {
			return nil, fmt.Errorf("fault %s carries no invoice record", f.ID)
		}
		_, err := s.invoices.FindByID(ctx, record.ID)
		switch {
		case errors.Is(err, errors.ErrNotFound):
			if err := s.invoices.Save(ctx, record); err != nil {
				return nil, fmt.Errorf("restore invoice %s: %w", record.ID, err)
			}
			logger.Info("restored accepted invoice", slog.String("invoice_id", record.ID.String()), slog.Int64("icv", record.ICV))
		case err != nil:
			return nil, err
		}
	}

	stored, err := s.invoices.ListChain(ctx, key)
	if err != nil {
		return nil, err
	}
	list := entries(stored)
	if err := chain.VerifyChain(key, list); err != nil {
		return nil, err
	}
	head := chain.HeadOf(key, list)
	if err := s.sequencer.Reconcile(ctx, key, head); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	for _, f := range open {
		if err := s.faults.Resolve(ctx, f.ID, now); err != nil {
			return nil, err
		}
	}

	event := events.NewEvent(events.TypeChainReconciled, "einvoice", map[string]any{
		"icv":      head.ICV,
		"pih":      head.PIH,
		"restored": len(open),
	}).ForChain(key)
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish reconciliation event", slog.String("error", err.Error()))
	}
	return s.VerifyChain(ctx, key)
}
