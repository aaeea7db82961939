package invoice

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// DocumentType is the UBL invoice type code: what kind of document this is.
type DocumentType string

const (
	DocumentTypeInvoice    DocumentType = "388"
	DocumentTypeDebitNote  DocumentType = "383"
	DocumentTypeCreditNote DocumentType = "381"
)

// DocumentTypes lists every document type, in compliance-check order.
var DocumentTypes = []DocumentType{DocumentTypeInvoice, DocumentTypeCreditNote, DocumentTypeDebitNote}

func (d DocumentType) IsValid() bool {
	switch d {
	case DocumentTypeInvoice, DocumentTypeDebitNote, DocumentTypeCreditNote:
		return true
	}
	return false
}

// IsNote reports whether the document amends an earlier invoice.
func (d DocumentType) IsNote() bool {
	return d == DocumentTypeCreditNote || d == DocumentTypeDebitNote
}

func (d DocumentType) String() string {
	switch d {
	case DocumentTypeInvoice:
		return "invoice"
	case DocumentTypeDebitNote:
		return "debit_note"
	case DocumentTypeCreditNote:
		return "credit_note"
	}
	return string(d)
}

// InvoiceType distinguishes business-to-business from retail invoices.
type InvoiceType string

const (
	InvoiceTypeStandard   InvoiceType = "STANDARD"
	InvoiceTypeSimplified InvoiceType = "SIMPLIFIED"
)

func (t InvoiceType) IsValid() bool {
	return t == InvoiceTypeStandard || t == InvoiceTypeSimplified
}

// Flags are the optional transaction markers carried in the type code name.
type Flags struct {
	ThirdParty bool `json:"third_party,omitempty"`
	Nominal    bool `json:"nominal,omitempty"`
	Export     bool `json:"export,omitempty"`
	Summary    bool `json:"summary,omitempty"`
	SelfBilled bool `json:"self_billed,omitempty"`
}

// TypeCodeName renders the seven-character NNPNESB subtype string.
func TypeCodeName(t InvoiceType, f Flags) string {
	prefix := "01"
	if t == InvoiceTypeSimplified {
		prefix = "02"
	}
	bit := func(b bool) string {
		if b {
			return "1"
		}
		return "0"
	}
	return prefix + bit(f.ThirdParty) + bit(f.Nominal) + bit(f.Export) + bit(f.Summary) + bit(f.SelfBilled)
}

// TaxCategoryCode is the UNCL5305 VAT category.
type TaxCategoryCode string

const (
	TaxCategoryStandard   TaxCategoryCode = "S"
	TaxCategoryZeroRated  TaxCategoryCode = "Z"
	TaxCategoryExempt     TaxCategoryCode = "E"
	TaxCategoryOutOfScope TaxCategoryCode = "O"
)

func (c TaxCategoryCode) IsValid() bool {
	switch c {
	case TaxCategoryStandard, TaxCategoryZeroRated, TaxCategoryExempt, TaxCategoryOutOfScope:
		return true
	}
	return false
}

// TaxCategory is a line's classified tax treatment.
type TaxCategory struct {
	Code TaxCategoryCode `json:"code"`
	// Rate is a percentage, e.g. 15 for 15%.
	Rate                decimal.Decimal `json:"rate"`
	ExemptionReasonCode string          `json:"exemption_reason_code,omitempty"`
	ExemptionReason     string          `json:"exemption_reason,omitempty"`
}

// Key identifies the category for subtotal grouping.
func (c TaxCategory) Key() string {
	return fmt.Sprintf("%s|%s|%s", c.Code, c.Rate.StringFixed(2), c.ExemptionReasonCode)
}

// Item references the thing being sold.
type Item struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	UnitCode string `json:"unit_code,omitempty"` // UN/ECE rec 20, defaults to PCE
}

// LineDraft is one caller-supplied invoice line. Amounts are never supplied.
type LineDraft struct {
	Item      Item            `json:"item"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Discount  decimal.Decimal `json:"discount"`
	Tax       TaxCategory     `json:"tax"`
}

// BillingReference points a credit or debit note at the original invoice.
type BillingReference struct {
	InvoiceNumber string `json:"invoice_number"`
	Reason        string `json:"reason"`
}

// Party is the identity block of a supplier or customer.
type Party struct {
	Name string      `json:"name"`
	// TaxID is the VAT registration number; optional for retail customers.
	TaxID types.TaxID `json:"tax_id,omitempty"`
	// OtherID is an additional registration (CRN, MOM, ...) with its scheme.
	OtherID       string        `json:"other_id,omitempty"`
	OtherIDScheme string        `json:"other_id_scheme,omitempty"`
	Address       types.Address `json:"address"`
}

// Draft is the header and lines of an invoice before chain, signing and submission.
type Draft struct {
	ID           types.ID     `json:"id"`
	Number       string       `json:"number"`
	DocumentType DocumentType `json:"document_type"`
	InvoiceType  InvoiceType  `json:"invoice_type"`
	Flags        Flags        `json:"flags"`
	Currency     string       `json:"currency"`
	IssuedAt     time.Time    `json:"issued_at"`
	SupplyDate   *time.Time   `json:"supply_date,omitempty"`
	// PaymentMeans is the UNCL4461 code, e.g. 10 cash, 30 credit, 42 bank, 48 card.
	PaymentMeans string `json:"payment_means,omitempty"`
	// Discount is the invoice-level allowance, applied before tax.
	Discount         decimal.Decimal   `json:"discount"`
	Prepaid          decimal.Decimal   `json:"prepaid"`
	Notes            []string          `json:"notes,omitempty"`
	BillingReference *BillingReference `json:"billing_reference,omitempty"`
	Lines            []LineDraft       `json:"lines"`
}

// Status is what the authority made of the invoice.
type Status string

const (
	StatusCleared      Status = "CLEARED"
	StatusReported     Status = "REPORTED"
	StatusAccepted     Status = "ACCEPTED" // passed a compliance check
	StatusNotSubmitted Status = "NOT_SUBMITTED"
)

// SignedInvoice is the write-once record of an invoice accepted by the authority.
type SignedInvoice struct {
	ID           types.ID        `json:"id"`
	Branch       types.BranchKey `json:"branch"`
	Stage        types.Stage     `json:"stage"`
	Number       string          `json:"number"`
	DocumentType DocumentType    `json:"document_type"`
	InvoiceType  InvoiceType     `json:"invoice_type"`
	Draft        Draft           `json:"draft"`
	Totals       Totals          `json:"totals"`

	PIH    string `json:"pih"`
	ICV    int64  `json:"icv"`
	Digest string `json:"digest"`
	QR     string `json:"qr"`
	// Document is the document of record: the cleared document for clearance,
	// the locally signed one otherwise.
	Document []byte `json:"-"`

	Status              Status `json:"status"`
	AuthorityHTTPStatus int    `json:"authority_http_status"`
	AuthorityBody       []byte `json:"-"`
	TimestampToken      []byte `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// ChainKey returns the chain this invoice belongs to.
func (s *SignedInvoice) ChainKey() types.ChainKey {
	return types.NewChainKey(s.Branch, s.Stage)
}

// ListFilter narrows List results.
type ListFilter struct {
	Branch *types.BranchKey
	Stage  *types.Stage
	Limit  int
	Offset int
}
