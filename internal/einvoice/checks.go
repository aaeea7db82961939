package einvoice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerline/einvoicing/internal/compliance"
	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// ComplianceCheckRequest runs the onboarding sample set for a branch.
type ComplianceCheckRequest struct {
	Branch   types.BranchKey
	Supplier invoice.Party
	Customer *invoice.Party
	// Samples overrides the generated drafts; missing combinations are generated.
	Samples  []*invoice.Draft
	Currency string
}

// CheckResult is the outcome of one sample.
type CheckResult struct {
	Combination compliance.Combination `json:"combination"`
	InvoiceID   types.ID               `json:"invoice_id"`
	Status      invoice.Status         `json:"status,omitempty"`
	Code        string                 `json:"code,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// ComplianceReport is the outcome of a compliance check run.
type ComplianceReport struct {
	Results  []CheckResult        `json:"results"`
	Progress *compliance.Progress `json:"progress"`
}

// RunComplianceChecks submits one sample per combination the branch still
// needs in the COMPLIANCE stage. Combinations already passed are skipped.
// A failing sample does not stop the run.
func (s *Service) RunComplianceChecks(ctx context.Context, req ComplianceCheckRequest) (*ComplianceReport, error) {
	rec, err := s.certs.Record(ctx, req.Branch, types.StageCompliance)
	if err != nil {
		return nil, err
	}
	progress, err := s.gate.Progress(ctx, req.Branch, rec.InvoicingType)
	if err != nil {
		return nil, err
	}

	provided := make(map[compliance.Combination]*invoice.Draft, len(req.Samples))
	for _, d := range req.Samples {
		if d == nil {
			continue
		}
		provided[compliance.Combination{InvoiceType: d.InvoiceType, DocumentType: d.DocumentType}] = d
	}
	currency := req.Currency
	if currency == "" {
		currency = "SAR"
	}

	report := &ComplianceReport{}
	for i, c := range progress.Missing {
		draft, ok := provided[c]
		if !ok {
			draft = SampleDraft(c, currency, fmt.Sprintf("CHK-%d", i+1), s.now())
		}
		result := CheckResult{Combination: c, InvoiceID: draft.ID}

		signed, err := s.Issue(ctx, IssueRequest{
			Branch:   req.Branch,
			Stage:    types.StageCompliance,
			Draft:    draft,
			Supplier: req.Supplier,
			Customer: req.Customer,
		})
		if err != nil {
			if errors.Is(err, errors.ErrReconciliationRequired) || errors.Is(err, errors.ErrChainIntegrity) {
				return nil, err
			}
			app := errors.FromDomain(err)
			result.Code = app.Code
			result.Error = err.Error()
			s.logger.Warn("compliance sample failed",
				slog.String("branch", req.Branch.String()), slog.String("combination", c.String()), slog.String("error", err.Error()))
		} else {
			result.Status = signed.Status
		}
		report.Results = append(report.Results, result)
	}

	if report.Progress, err = s.gate.Progress(ctx, req.Branch, rec.InvoicingType); err != nil {
		return nil, err
	}
	return report, nil
}

// SampleDraft is a minimal valid draft for combination c: one standard rated
// line, with a billing reference for notes.
func SampleDraft(c compliance.Combination, currency, number string, issuedAt time.Time) *invoice.Draft {
	d := &invoice.Draft{
		ID:           types.NewID(),
		Number:       number,
		DocumentType: c.DocumentType,
		InvoiceType:  c.InvoiceType,
		Currency:     currency,
		IssuedAt:     issuedAt.UTC().Truncate(time.Second),
		PaymentMeans: "10",
		Lines: []invoice.LineDraft{{
			Item:      invoice.Item{Name: "Compliance sample item", UnitCode: "PCE"},
			UnitPrice: decimal.NewFromInt(100),
			Quantity:  decimal.NewFromInt(1),
			Tax:       invoice.TaxCategory{Code: invoice.TaxCategoryStandard, Rate: decimal.NewFromInt(15)},
		}},
	}
	if c.DocumentType.IsNote() {
		d.BillingReference = &invoice.BillingReference{InvoiceNumber: "CHK-0", Reason: "Compliance sample adjustment"}
	}
	return d
}
