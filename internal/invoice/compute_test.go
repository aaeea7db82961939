package invoice

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var vat15 = TaxCategory{Code: TaxCategoryStandard, Rate: dec("15")}

func newDraft(lines ...LineDraft) *Draft {
	return &Draft{
		ID:           types.NewID(),
		Number:       "INV-0001",
		DocumentType: DocumentTypeInvoice,
		InvoiceType:  InvoiceTypeSimplified,
		Currency:     "SAR",
		IssuedAt:     time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		PaymentMeans: "10",
		Lines:        lines,
	}
}

func line(name, price, qty string, cat TaxCategory) LineDraft {
	return LineDraft{Item: Item{Name: name}, UnitPrice: dec(price), Quantity: dec(qty), Tax: cat}
}

func TestCompute_SingleLine(t *testing.T) {
	c, err := Compute(newDraft(line("coffee", "10.00", "1", vat15)))
	require.NoError(t, err)

	assert.Equal(t, "10.00", Money(c.Totals.LineExtension))
	assert.Equal(t, "1.50", Money(c.Totals.Tax))
	assert.Equal(t, "11.50", Money(c.Totals.TaxInclusive))
	assert.Equal(t, "11.50", Money(c.Totals.Payable))
	require.Len(t, c.Subtotals, 1)
	assert.Equal(t, "10.00", Money(c.Subtotals[0].TaxableAmount))
	assert.Equal(t, "1.50", Money(c.Subtotals[0].TaxAmount))
	assert.Nil(t, c.DiscountCategory)
}

func TestCompute_DiscountSingleCategory(t *testing.T) {
	d := newDraft(line("a", "40", "1", vat15), line("b", "15", "2", vat15))
	d.Discount = dec("5.00")

	c, err := Compute(d)
	require.NoError(t, err)

	assert.Equal(t, "70.00", Money(c.Totals.LineExtension))
	assert.Equal(t, "5.00", Money(c.Totals.Allowance))
	assert.Equal(t, "65.00", Money(c.Totals.TaxExclusive))
	require.Len(t, c.Subtotals, 1)
	assert.Equal(t, "65.00", Money(c.Subtotals[0].TaxableAmount))
	assert.Equal(t, "9.75", Money(c.Subtotals[0].TaxAmount))
	assert.Equal(t, "74.75", Money(c.Totals.TaxInclusive))
	require.NotNil(t, c.DiscountCategory)
	assert.Equal(t, TaxCategoryStandard, c.DiscountCategory.Code)
}

func TestCompute_DiscountMixedCategoriesRejected(t *testing.T) {
	zero := TaxCategory{Code: TaxCategoryZeroRated, Rate: decimal.Zero, ExemptionReasonCode: "VATEX-SA-32", ExemptionReason: "Export of goods"}
	d := newDraft(line("a", "10", "1", vat15), line("b", "10", "1", zero))
	d.Discount = dec("1")

	_, err := Compute(d)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvoiceValidation)

	var v *ValidationError
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Details(), "discount")
}

func TestCompute_MixedCategoriesWithoutDiscount(t *testing.T) {
	zero := TaxCategory{Code: TaxCategoryZeroRated, Rate: decimal.Zero, ExemptionReasonCode: "VATEX-SA-32"}
	d := newDraft(
		line("a", "3.33", "3", vat15),
		line("b", "20", "1", zero),
		line("c", "0.99", "7", vat15),
	)

	c, err := Compute(d)
	require.NoError(t, err)
	require.Len(t, c.Subtotals, 2)

	// Subtotals follow first appearance.
	assert.Equal(t, TaxCategoryStandard, c.Subtotals[0].Category.Code)
	assert.Equal(t, "16.92", Money(c.Subtotals[0].TaxableAmount))
	assert.Equal(t, "2.54", Money(c.Subtotals[0].TaxAmount))
	assert.Equal(t, "0.00", Money(c.Subtotals[1].TaxAmount))

	var taxable, tax decimal.Decimal
	for _, s := range c.Subtotals {
		taxable = taxable.Add(s.TaxableAmount)
		tax = tax.Add(s.TaxAmount)
	}
	assert.True(t, taxable.Equal(c.Totals.TaxExclusive))
	assert.True(t, tax.Equal(c.Totals.Tax))
	assert.True(t, c.Totals.TaxInclusive.Equal(c.Totals.TaxExclusive.Add(c.Totals.Tax)))
}

func TestCompute_CategoryRoundingNotLineSum(t *testing.T) {
	// Three lines of 0.10 tax at 15% each round to 0.02; the category rounds once.
	d := newDraft(
		line("a", "0.10", "1", vat15),
		line("b", "0.10", "1", vat15),
		line("c", "0.10", "1", vat15),
	)
	c, err := Compute(d)
	require.NoError(t, err)

	assert.Equal(t, "0.02", Money(c.Lines[0].TaxAmount))
	assert.Equal(t, "0.05", Money(c.Totals.Tax))
}

func TestCompute_LineDiscount(t *testing.T) {
	l := line("a", "12.50", "4", vat15)
	l.Discount = dec("2.5")
	c, err := Compute(newDraft(l))
	require.NoError(t, err)

	assert.Equal(t, "47.50", Money(c.Lines[0].Net))
	assert.Equal(t, "7.13", Money(c.Lines[0].TaxAmount))
	assert.Equal(t, "54.63", Money(c.Lines[0].Gross))
}

func TestCompute_Prepaid(t *testing.T) {
	d := newDraft(line("a", "100", "1", vat15))
	d.Prepaid = dec("15")
	c, err := Compute(d)
	require.NoError(t, err)
	assert.Equal(t, "100.00", Money(c.Totals.Payable))

	d.Prepaid = dec("200")
	_, err = Compute(d)
	assert.ErrorIs(t, err, errors.ErrInvoiceValidation)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Draft)
		field  string
	}{
		{"no lines", func(d *Draft) { d.Lines = nil }, "lines"},
		{"bad currency", func(d *Draft) { d.Currency = "sar" }, "currency"},
		{"missing number", func(d *Draft) { d.Number = " " }, "number"},
		{"unknown document type", func(d *Draft) { d.DocumentType = "380" }, "document_type"},
		{"unknown invoice type", func(d *Draft) { d.InvoiceType = "B2G" }, "invoice_type"},
		{"zero quantity", func(d *Draft) { d.Lines[0].Quantity = decimal.Zero }, "lines[0].quantity"},
		{"negative price", func(d *Draft) { d.Lines[0].UnitPrice = dec("-1") }, "lines[0].unit_price"},
		{"line discount too large", func(d *Draft) { d.Lines[0].Discount = dec("11") }, "lines[0].discount"},
		{"standard without rate", func(d *Draft) { d.Lines[0].Tax.Rate = decimal.Zero }, "lines[0].tax.rate"},
		{"exempt without reason", func(d *Draft) {
			d.Lines[0].Tax = TaxCategory{Code: TaxCategoryExempt, Rate: decimal.Zero}
		}, "lines[0].tax.exemption_reason"},
		{"credit note without reference", func(d *Draft) { d.DocumentType = DocumentTypeCreditNote }, "billing_reference.invoice_number"},
		{"debit note without reason", func(d *Draft) {
			d.DocumentType = DocumentTypeDebitNote
			d.BillingReference = &BillingReference{InvoiceNumber: "INV-1"}
		}, "billing_reference.reason"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDraft(line("a", "10", "1", vat15))
			tt.mutate(d)
			err := d.Validate()
			require.Error(t, err)

			var v *ValidationError
			require.ErrorAs(t, err, &v)
			assert.Contains(t, v.Details(), tt.field)
		})
	}
}

func TestTypeCodeName(t *testing.T) {
	assert.Equal(t, "0100000", TypeCodeName(InvoiceTypeStandard, Flags{}))
	assert.Equal(t, "0200000", TypeCodeName(InvoiceTypeSimplified, Flags{}))
	assert.Equal(t, "0100100", TypeCodeName(InvoiceTypeStandard, Flags{Export: true}))
	assert.Equal(t, "0211001", TypeCodeName(InvoiceTypeSimplified, Flags{ThirdParty: true, Nominal: true, SelfBilled: true}))
}

func TestComputedLine_JSONKeepsCategoryAndAmount(t *testing.T) {
	c, err := Compute(newDraft(line("coffee", "10.00", "1", vat15)))
	require.NoError(t, err)

	raw, err := json.Marshal(c.Lines[0])
	require.NoError(t, err)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))

	var cat TaxCategory
	require.NoError(t, json.Unmarshal(fields["tax"], &cat))
	assert.Equal(t, TaxCategoryStandard, cat.Code)
	assert.True(t, cat.Rate.Equal(dec("15")))

	var amount decimal.Decimal
	require.NoError(t, json.Unmarshal(fields["tax_amount"], &amount))
	assert.Equal(t, "1.50", Money(amount))
}
