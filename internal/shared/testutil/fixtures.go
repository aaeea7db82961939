// Package testutil holds shared fixtures and throwaway backing services for tests.
package testutil

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerline/einvoicing/internal/csr"
	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// CSRConfig is a sandbox CSR configuration.
func CSRConfig() csr.Config {
	return csr.Config{
		Template:        "TSTZATCA-Code-Signing",
		SolutionName:    "ledgerline",
		SolutionVersion: "1.0",
	}
}

// NewBranch returns a random branch key.
func NewBranch() types.BranchKey {
	return types.BranchKey{OrganizationID: types.NewID(), BranchID: types.NewID()}
}

// Identity is a complete registrant for branch.
func Identity(branch types.BranchKey, invoicing types.InvoicingType) csr.Identity {
	return csr.Identity{
		Branch:           branch,
		CommonName:       "POS-0001",
		OrganizationUnit: "Riyadh Branch",
		Organization:     "Ledgerline Trading Co",
		Country:          "SA",
		TaxID:            "399999999900003",
		InvoicingType:    invoicing,
		Location:         Supplier().Address.OneLine(),
		Industry:         "Retail",
	}
}

// Supplier is the selling party matching Identity.
func Supplier() invoice.Party {
	return invoice.Party{
		Name:          "Ledgerline Trading Co",
		TaxID:         "399999999900003",
		OtherID:       "1010010000",
		OtherIDScheme: "CRN",
		Address:       types.NewAddress("King Fahd Rd", "1234", "Al Olaya", "Riyadh", "12211"),
	}
}

// Customer is a VAT-registered buyer.
func Customer() *invoice.Party {
	return &invoice.Party{
		Name:    "Acme Industrial",
		TaxID:   "300000000000003",
		Address: types.NewAddress("Prince Sultan St", "4321", "Al Rawdah", "Jeddah", "23435"),
	}
}

// Draft is a one-line invoice of 10.00 at 15%. Notes reference INV-0001.
func Draft(docType invoice.DocumentType, invType invoice.InvoiceType) *invoice.Draft {
	d := &invoice.Draft{
		ID:           types.NewID(),
		Number:       "INV-" + types.NewID().String()[:8],
		DocumentType: docType,
		InvoiceType:  invType,
		Currency:     "SAR",
		IssuedAt:     time.Date(2026, 3, 1, 10, 30, 15, 0, time.UTC),
		PaymentMeans: "10",
		Lines: []invoice.LineDraft{{
			Item:      invoice.Item{Name: "Espresso beans 1kg", UnitCode: "KGM"},
			UnitPrice: decimal.RequireFromString("10.00"),
			Quantity:  decimal.NewFromInt(1),
			Tax:       invoice.TaxCategory{Code: invoice.TaxCategoryStandard, Rate: decimal.NewFromInt(15)},
		}},
	}
	if docType.IsNote() {
		d.BillingReference = &invoice.BillingReference{InvoiceNumber: "INV-0001", Reason: "Returned goods"}
	}
	return d
}
