package invoice

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ledgerline/einvoicing/internal/shared/errors"
)

var (
	hundred      = decimal.NewFromInt(100)
	currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)
)

// Round2 rounds half away from zero to two decimal places. Every monetary
// amount in a computed invoice passes through here exactly once.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ComputedLine is a draft line with its derived amounts.
type ComputedLine struct {
	LineDraft
	Index int `json:"index"`
	// Net is quantity x unit price less the line discount.
	Net       decimal.Decimal `json:"net"`
	TaxAmount decimal.Decimal `json:"tax_amount"`
	// Gross is Net + TaxAmount, the line rounding amount.
	Gross decimal.Decimal `json:"gross"`
}

// TaxSubtotal is the per-category breakdown of taxable and tax amounts.
type TaxSubtotal struct {
	Category      TaxCategory     `json:"category"`
	TaxableAmount decimal.Decimal `json:"taxable_amount"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
}

// Totals are the monetary totals of a computed invoice.
type Totals struct {
	LineExtension decimal.Decimal `json:"line_extension"`
	Allowance     decimal.Decimal `json:"allowance"`
	TaxExclusive  decimal.Decimal `json:"tax_exclusive"`
	Tax           decimal.Decimal `json:"tax"`
	TaxInclusive  decimal.Decimal `json:"tax_inclusive"`
	Prepaid       decimal.Decimal `json:"prepaid"`
	Payable       decimal.Decimal `json:"payable"`
}

// Computed is a validated draft with every derived amount filled in.
type Computed struct {
	Draft     *Draft
	Lines     []ComputedLine
	Subtotals []TaxSubtotal
	Totals    Totals
	// DiscountCategory is the category the invoice-level discount is booked
	// against; nil when there is no discount.
	DiscountCategory *TaxCategory
}

// Problem is one failed validation rule.
type Problem struct {
	Field   string
	Message string
}

// ValidationError lists every rule a draft broke.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Field + ": " + p.Message
	}
	return "invoice validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error {
	return errors.ErrInvoiceValidation
}

// Details flattens the problems for an API error body.
func (e *ValidationError) Details() map[string]string {
	out := make(map[string]string, len(e.Problems))
	for _, p := range e.Problems {
		out[p.Field] = p.Message
	}
	return out
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Problems = append(e.Problems, Problem{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the draft's header, lines and tax classification.
func (d *Draft) Validate() error {
	v := &ValidationError{}

	if d.ID.IsZero() {
		v.add("id", "is required")
	}
	if strings.TrimSpace(d.Number) == "" {
		v.add("number", "is required")
	}
	if !d.DocumentType.IsValid() {
		v.add("document_type", "unknown document type %q", d.DocumentType)
	}
	if !d.InvoiceType.IsValid() {
		v.add("invoice_type", "unknown invoice type %q", d.InvoiceType)
	}
	if !currencyCode.MatchString(d.Currency) {
		v.add("currency", "must be an ISO 4217 code")
	}
	if d.IssuedAt.IsZero() {
		v.add("issued_at", "is required")
	}
	if d.DocumentType.IsNote() {
		if d.BillingReference == nil || d.BillingReference.InvoiceNumber == "" {
			v.add("billing_reference.invoice_number", "is required for %s", d.DocumentType)
		}
		if d.BillingReference == nil || strings.TrimSpace(d.BillingReference.Reason) == "" {
			v.add("billing_reference.reason", "is required for %s", d.DocumentType)
		}
	}
	if d.Discount.IsNegative() {
		v.add("discount", "must not be negative")
	}
	if d.Prepaid.IsNegative() {
		v.add("prepaid", "must not be negative")
	}
	if len(d.Lines) == 0 {
		v.add("lines", "at least one line is required")
	}

	categories := map[string]struct{}{}
	for i, l := range d.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if strings.TrimSpace(l.Item.Name) == "" {
			v.add(field+".item.name", "is required")
		}
		if !l.Quantity.IsPositive() {
			v.add(field+".quantity", "must be positive")
		}
		if l.UnitPrice.IsNegative() {
			v.add(field+".unit_price", "must not be negative")
		}
		if l.Discount.IsNegative() {
			v.add(field+".discount", "must not be negative")
		} else if l.Discount.GreaterThan(l.UnitPrice.Mul(l.Quantity)) {
			v.add(field+".discount", "exceeds the line amount")
		}
		validateCategory(v, field+".tax", l.Tax)
		categories[l.Tax.Key()] = struct{}{}
	}

	if d.Discount.IsPositive() && len(categories) > 1 {
		v.add("discount", "an invoice-level discount cannot be applied across mixed tax categories")
	}

	if len(v.Problems) > 0 {
		return v
	}
	return nil
}

func validateCategory(v *ValidationError, field string, c TaxCategory) {
	if !c.Code.IsValid() {
		v.add(field+".code", "unknown tax category %q", c.Code)
		return
	}
	if c.Rate.IsNegative() || c.Rate.GreaterThan(hundred) {
		v.add(field+".rate", "must be between 0 and 100")
	}
	if c.Code == TaxCategoryStandard {
		if !c.Rate.IsPositive() {
			v.add(field+".rate", "standard rated lines need a positive rate")
		}
		return
	}
	if !c.Rate.IsZero() {
		v.add(field+".rate", "category %s must carry a zero rate", c.Code)
	}
	if c.ExemptionReasonCode == "" && c.ExemptionReason == "" {
		v.add(field+".exemption_reason", "category %s requires an exemption reason", c.Code)
	}
}

// Compute validates the draft and derives every amount from it.
//
// The rounding policy is fixed: each line's net and tax are rounded, each
// category's tax is round2(taxable x rate), and the document tax total is the
// sum of the category taxes. Line taxes are informational.
func Compute(d *Draft) (*Computed, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	c := &Computed{Draft: d}
	var order []string
	groups := map[string]*TaxSubtotal{}

	for i, l := range d.Lines {
		net := Round2(l.UnitPrice.Mul(l.Quantity).Sub(l.Discount))
		tax := Round2(net.Mul(l.Tax.Rate).Div(hundred))
		c.Lines = append(c.Lines, ComputedLine{
			LineDraft: l,
			Index:     i + 1,
			Net:       net,
			TaxAmount: tax,
			Gross:     net.Add(tax),
		})
		c.Totals.LineExtension = c.Totals.LineExtension.Add(net)

		key := l.Tax.Key()
		g, ok := groups[key]
		if !ok {
			g = &TaxSubtotal{Category: l.Tax}
			groups[key] = g
			order = append(order, key)
		}
		g.TaxableAmount = g.TaxableAmount.Add(net)
	}

	discount := Round2(d.Discount)
	if discount.GreaterThan(c.Totals.LineExtension) {
		return nil, &ValidationError{Problems: []Problem{{Field: "discount", Message: "exceeds the line extension total"}}}
	}
	if discount.IsPositive() {
		// Validate guarantees a single category here.
		g := groups[order[0]]
		g.TaxableAmount = g.TaxableAmount.Sub(discount)
		cat := g.Category
		c.DiscountCategory = &cat
	}

	for _, key := range order {
		g := groups[key]
		g.TaxAmount = Round2(g.TaxableAmount.Mul(g.Category.Rate).Div(hundred))
		c.Totals.Tax = c.Totals.Tax.Add(g.TaxAmount)
		c.Subtotals = append(c.Subtotals, *g)
	}

	c.Totals.Allowance = discount
	c.Totals.TaxExclusive = c.Totals.LineExtension.Sub(discount)
	c.Totals.TaxInclusive = c.Totals.TaxExclusive.Add(c.Totals.Tax)
	c.Totals.Prepaid = Round2(d.Prepaid)
	if c.Totals.Prepaid.GreaterThan(c.Totals.TaxInclusive) {
		return nil, &ValidationError{Problems: []Problem{{Field: "prepaid", Message: "exceeds the invoice total"}}}
	}
	c.Totals.Payable = c.Totals.TaxInclusive.Sub(c.Totals.Prepaid)
	return c, nil
}

// Money formats an amount with exactly two decimals, as it appears in documents.
func Money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
