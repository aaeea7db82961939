package ubl

import (
	"fmt"
	"strings"

	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/errors"
)

// Category groups document types that share a structure.
type Category string

const (
	CategoryInvoice Category = "invoice"
	CategoryNote    Category = "note"
)

// Profile selects a template.
type Profile struct {
	Category    Category
	InvoiceType invoice.InvoiceType
}

func (p Profile) String() string {
	return fmt.Sprintf("%s/%s", p.Category, strings.ToLower(string(p.InvoiceType)))
}

// ProfileFor maps a document to its template profile.
func ProfileFor(d invoice.DocumentType, t invoice.InvoiceType) Profile {
	c := CategoryInvoice
	if d.IsNote() {
		c = CategoryNote
	}
	return Profile{Category: c, InvoiceType: t}
}

// Template is the structure a profile must render to. Anchors are etree paths,
// relative to the root, that must exist in every rendered document.
type Template struct {
	ProfileID       string
	RequireCustomer bool
	Anchors         []string
}

var commonAnchors = []string{
	"cbc:ProfileID",
	"cbc:ID",
	"cbc:UUID",
	"cbc:IssueDate",
	"cbc:IssueTime",
	"cbc:InvoiceTypeCode",
	"cbc:DocumentCurrencyCode",
	"cac:AdditionalDocumentReference[cbc:ID='" + RefICV + "']/cbc:UUID",
	"cac:AdditionalDocumentReference[cbc:ID='" + RefPIH + "']/cac:Attachment/cbc:EmbeddedDocumentBinaryObject",
	"cac:AccountingSupplierParty/cac:Party/cac:PostalAddress/cac:Country/cbc:IdentificationCode",
	"cac:AccountingSupplierParty/cac:Party/cac:PartyTaxScheme/cbc:CompanyID",
	"cac:AccountingSupplierParty/cac:Party/cac:PartyLegalEntity/cbc:RegistrationName",
	"cac:AccountingCustomerParty",
	"cac:TaxTotal/cbc:TaxAmount",
	"cac:TaxTotal/cac:TaxSubtotal/cac:TaxCategory/cbc:ID",
	"cac:LegalMonetaryTotal/cbc:LineExtensionAmount",
	"cac:LegalMonetaryTotal/cbc:TaxExclusiveAmount",
	"cac:LegalMonetaryTotal/cbc:TaxInclusiveAmount",
	"cac:LegalMonetaryTotal/cbc:PayableAmount",
	"cac:InvoiceLine/cbc:InvoicedQuantity",
	"cac:InvoiceLine/cac:Item/cac:ClassifiedTaxCategory/cbc:ID",
}

var noteAnchors = []string{
	"cac:BillingReference/cac:InvoiceDocumentReference/cbc:ID",
	"cac:PaymentMeans/cbc:InstructionNote",
}

var customerAnchors = []string{
	"cac:AccountingCustomerParty/cac:Party/cac:PartyLegalEntity/cbc:RegistrationName",
}

func anchors(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// DefaultTemplates covers every document type for both invoice types.
func DefaultTemplates() map[Profile]Template {
	return map[Profile]Template{
		{CategoryInvoice, invoice.InvoiceTypeStandard}: {
			ProfileID:       "reporting:1.0",
			RequireCustomer: true,
			Anchors:         anchors(commonAnchors, customerAnchors),
		},
		{CategoryInvoice, invoice.InvoiceTypeSimplified}: {
			ProfileID: "reporting:1.0",
			Anchors:   anchors(commonAnchors),
		},
		{CategoryNote, invoice.InvoiceTypeStandard}: {
			ProfileID:       "reporting:1.0",
			RequireCustomer: true,
			Anchors:         anchors(commonAnchors, customerAnchors, noteAnchors),
		},
		{CategoryNote, invoice.InvoiceTypeSimplified}: {
			ProfileID: "reporting:1.0",
			Anchors:   anchors(commonAnchors, noteAnchors),
		},
	}
}

// TemplateIntegrityError means a template cannot produce a valid document.
// It indicates a configuration defect, not bad input.
type TemplateIntegrityError struct {
	Profile Profile
	Missing []string
}

func (e *TemplateIntegrityError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("template %s: not registered", e.Profile)
	}
	return fmt.Sprintf("template %s: missing %s", e.Profile, strings.Join(e.Missing, ", "))
}

func (e *TemplateIntegrityError) Unwrap() error {
	return errors.ErrTemplateIntegrity
}
