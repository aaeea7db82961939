package ubl

import (
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/einvoicing/internal/chain"
	"github.com/ledgerline/einvoicing/internal/invoice"
)

// Document is a rendered, unsigned invoice.
type Document struct {
	Profile Profile
	UUID    string
	// Bytes is the compact serialization; the signer digests this form.
	Bytes []byte
}

// Builder renders computed invoices from a fixed template set.
type Builder struct {
	templates map[Profile]Template
}

// NewBuilder creates a builder over templates, or DefaultTemplates when nil.
func NewBuilder(templates map[Profile]Template) *Builder {
	if templates == nil {
		templates = DefaultTemplates()
	}
	return &Builder{templates: templates}
}

// Render is NewBuilder(nil).Render.
func Render(c *invoice.Computed, link chain.Link, supplier invoice.Party, customer *invoice.Party) (*Document, error) {
	return NewBuilder(nil).Render(c, link, supplier, customer)
}

// Render builds the document for c at chain position link. It performs no I/O
// and returns byte-identical output for identical input.
func (b *Builder) Render(c *invoice.Computed, link chain.Link, supplier invoice.Party, customer *invoice.Party) (*Document, error) {
	d := c.Draft
	profile := ProfileFor(d.DocumentType, d.InvoiceType)
	tmpl, ok := b.templates[profile]
	if !ok {
		return nil, &TemplateIntegrityError{Profile: profile}
	}
	if err := validateParties(tmpl, supplier, customer); err != nil {
		return nil, err
	}

	w := &writer{currency: d.Currency}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("Invoice")
	root.CreateAttr("xmlns", NSInvoice)
	root.CreateAttr("xmlns:cac", NSCAC)
	root.CreateAttr("xmlns:cbc", NSCBC)
	root.CreateAttr("xmlns:ext", NSEXT)

	issued := d.IssuedAt.UTC()
	w.text(root, "cbc:ProfileID", tmpl.ProfileID)
	w.text(root, "cbc:ID", d.Number)
	w.text(root, "cbc:UUID", d.ID.String())
	w.text(root, "cbc:IssueDate", issued.Format(time.DateOnly))
	w.text(root, "cbc:IssueTime", issued.Format(time.TimeOnly))
	typeCode := w.text(root, "cbc:InvoiceTypeCode", string(d.DocumentType))
	typeCode.CreateAttr("name", invoice.TypeCodeName(d.InvoiceType, d.Flags))
	for _, n := range d.Notes {
		w.text(root, "cbc:Note", n)
	}
	w.text(root, "cbc:DocumentCurrencyCode", d.Currency)
	w.text(root, "cbc:TaxCurrencyCode", d.Currency)

	if ref := d.BillingReference; ref != nil {
		br := root.CreateElement("cac:BillingReference")
		w.text(br.CreateElement("cac:InvoiceDocumentReference"), "cbc:ID", ref.InvoiceNumber)
	}

	icv := root.CreateElement("cac:AdditionalDocumentReference")
	w.text(icv, "cbc:ID", RefICV)
	w.text(icv, "cbc:UUID", strconv.FormatInt(link.ICV, 10))

	pih := root.CreateElement("cac:AdditionalDocumentReference")
	w.text(pih, "cbc:ID", RefPIH)
	obj := w.text(pih.CreateElement("cac:Attachment"), "cbc:EmbeddedDocumentBinaryObject", link.PIH)
	obj.CreateAttr("mimeCode", "text/plain")

	w.party(root.CreateElement("cac:AccountingSupplierParty"), &supplier)
	w.party(root.CreateElement("cac:AccountingCustomerParty"), customer)

	if d.SupplyDate != nil {
		w.text(root.CreateElement("cac:Delivery"), "cbc:ActualDeliveryDate", d.SupplyDate.UTC().Format(time.DateOnly))
	}

	if d.PaymentMeans != "" || d.BillingReference != nil {
		pm := root.CreateElement("cac:PaymentMeans")
		w.text(pm, "cbc:PaymentMeansCode", d.PaymentMeans)
		if d.BillingReference != nil {
			w.text(pm, "cbc:InstructionNote", d.BillingReference.Reason)
		}
	}

	if c.DiscountCategory != nil {
		ac := root.CreateElement("cac:AllowanceCharge")
		w.text(ac, "cbc:ChargeIndicator", "false")
		w.text(ac, "cbc:AllowanceChargeReason", "discount")
		w.amount(ac, "cbc:Amount", c.Totals.Allowance)
		w.taxCategory(ac, "cac:TaxCategory", *c.DiscountCategory, false)
	}

	// The first TaxTotal carries the total alone, the second the breakdown.
	w.amount(root.CreateElement("cac:TaxTotal"), "cbc:TaxAmount", c.Totals.Tax)
	tt := root.CreateElement("cac:TaxTotal")
	w.amount(tt, "cbc:TaxAmount", c.Totals.Tax)
	for _, s := range c.Subtotals {
		st := tt.CreateElement("cac:TaxSubtotal")
		w.amount(st, "cbc:TaxableAmount", s.TaxableAmount)
		w.amount(st, "cbc:TaxAmount", s.TaxAmount)
		w.taxCategory(st, "cac:TaxCategory", s.Category, true)
	}

	mt := root.CreateElement("cac:LegalMonetaryTotal")
	w.amount(mt, "cbc:LineExtensionAmount", c.Totals.LineExtension)
	w.amount(mt, "cbc:TaxExclusiveAmount", c.Totals.TaxExclusive)
	w.amount(mt, "cbc:TaxInclusiveAmount", c.Totals.TaxInclusive)
	w.amount(mt, "cbc:AllowanceTotalAmount", c.Totals.Allowance)
	w.amount(mt, "cbc:PrepaidAmount", c.Totals.Prepaid)
	w.amount(mt, "cbc:PayableAmount", c.Totals.Payable)

	for _, l := range c.Lines {
		w.line(root.CreateElement("cac:InvoiceLine"), l)
	}

	prune(root, map[*etree.Element]bool{root.SelectElement("cac:AccountingCustomerParty"): true})

	var missing []string
	for _, a := range tmpl.Anchors {
		if root.FindElement(a) == nil {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		return nil, &TemplateIntegrityError{Profile: profile, Missing: missing}
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}
	return &Document{Profile: profile, UUID: d.ID.String(), Bytes: out}, nil
}

func validateParties(tmpl Template, supplier invoice.Party, customer *invoice.Party) error {
	v := &invoice.ValidationError{}
	if strings.TrimSpace(supplier.Name) == "" {
		v.Problems = append(v.Problems, invoice.Problem{Field: "supplier.name", Message: "is required"})
	}
	if !supplier.TaxID.IsValid() {
		v.Problems = append(v.Problems, invoice.Problem{Field: "supplier.tax_id", Message: "must be a valid VAT registration number"})
	}
	if tmpl.RequireCustomer && (customer == nil || strings.TrimSpace(customer.Name) == "") {
		v.Problems = append(v.Problems, invoice.Problem{Field: "customer.name", Message: "is required for standard invoices"})
	}
	if customer != nil && customer.TaxID != "" && !customer.TaxID.IsValid() {
		v.Problems = append(v.Problems, invoice.Problem{Field: "customer.tax_id", Message: "must be a valid VAT registration number"})
	}
	if len(v.Problems) > 0 {
		return v
	}
	return nil
}

// writer appends typed nodes. Empty values still create their element so
// that pruning is the single place optional content disappears.
type writer struct {
	currency string
}

func (w *writer) text(parent *etree.Element, tag, value string) *etree.Element {
	el := parent.CreateElement(tag)
	el.SetText(strings.TrimSpace(value))
	return el
}

func (w *writer) amount(parent *etree.Element, tag string, v decimal.Decimal) *etree.Element {
	el := w.text(parent, tag, invoice.Money(v))
	el.CreateAttr("currencyID", w.currency)
	return el
}

func (w *writer) party(container *etree.Element, p *invoice.Party) {
	if p == nil {
		return
	}
	party := container.CreateElement("cac:Party")

	id := w.text(party.CreateElement("cac:PartyIdentification"), "cbc:ID", p.OtherID)
	if p.OtherID != "" {
		id.CreateAttr("schemeID", p.OtherIDScheme)
	}

	a := p.Address
	addr := party.CreateElement("cac:PostalAddress")
	w.text(addr, "cbc:StreetName", a.Street)
	w.text(addr, "cbc:AdditionalStreetName", a.AdditionalStreet)
	w.text(addr, "cbc:BuildingNumber", a.BuildingNumber)
	w.text(addr, "cbc:PlotIdentification", a.PlotIdentification)
	w.text(addr, "cbc:CitySubdivisionName", a.CitySubdivision)
	w.text(addr, "cbc:CityName", a.City)
	w.text(addr, "cbc:PostalZone", a.PostalCode)
	w.text(addr, "cbc:CountrySubentity", a.Province)
	w.text(addr.CreateElement("cac:Country"), "cbc:IdentificationCode", a.Country)

	ts := party.CreateElement("cac:PartyTaxScheme")
	w.text(ts, "cbc:CompanyID", p.TaxID.String())
	if p.TaxID != "" {
		w.text(ts.CreateElement("cac:TaxScheme"), "cbc:ID", "VAT")
	}

	w.text(party.CreateElement("cac:PartyLegalEntity"), "cbc:RegistrationName", p.Name)
}

func (w *writer) taxCategory(parent *etree.Element, tag string, c invoice.TaxCategory, withReason bool) {
	tc := parent.CreateElement(tag)
	id := w.text(tc, "cbc:ID", string(c.Code))
	id.CreateAttr("schemeID", schemeTaxCategory)
	id.CreateAttr("schemeAgencyID", schemeAgency)
	w.text(tc, "cbc:Percent", c.Rate.StringFixed(2))
	if withReason {
		w.text(tc, "cbc:TaxExemptionReasonCode", c.ExemptionReasonCode)
		w.text(tc, "cbc:TaxExemptionReason", c.ExemptionReason)
	}
	scheme := w.text(tc.CreateElement("cac:TaxScheme"), "cbc:ID", "VAT")
	scheme.CreateAttr("schemeID", schemeTaxScheme)
	scheme.CreateAttr("schemeAgencyID", schemeAgency)
}

func (w *writer) line(el *etree.Element, l invoice.ComputedLine) {
	w.text(el, "cbc:ID", strconv.Itoa(l.Index))

	unit := l.Item.UnitCode
	if unit == "" {
		unit = "PCE"
	}
	qty := w.text(el, "cbc:InvoicedQuantity", l.Quantity.StringFixed(6))
	qty.CreateAttr("unitCode", unit)
	w.amount(el, "cbc:LineExtensionAmount", l.Net)

	if l.Discount.IsPositive() {
		ac := el.CreateElement("cac:AllowanceCharge")
		w.text(ac, "cbc:ChargeIndicator", "false")
		w.text(ac, "cbc:AllowanceChargeReason", "discount")
		w.amount(ac, "cbc:Amount", l.Discount)
	}

	tt := el.CreateElement("cac:TaxTotal")
	w.amount(tt, "cbc:TaxAmount", l.TaxAmount)
	w.amount(tt, "cbc:RoundingAmount", l.Gross)

	item := el.CreateElement("cac:Item")
	w.text(item, "cbc:Name", l.Item.Name)
	w.text(item.CreateElement("cac:SellersItemIdentification"), "cbc:ID", l.Item.ID)
	w.taxCategory(item, "cac:ClassifiedTaxCategory", l.Tax, false)

	price := el.CreateElement("cac:Price")
	w.amount(price, "cbc:PriceAmount", l.UnitPrice).SetText(formatPrice(l.UnitPrice))
}

// formatPrice keeps at least two decimals without rounding away precision.
func formatPrice(d decimal.Decimal) string {
	places := int32(2)
	if e := -d.Exponent(); e > places {
		places = e
	}
	return d.StringFixed(places)
}

// prune removes leaves without text, then any ancestors left empty. Elements
// in keep are retained even when empty.
func prune(el *etree.Element, keep map[*etree.Element]bool) {
	for _, child := range el.ChildElements() {
		prune(child, keep)
		if keep[child] {
			continue
		}
		if len(child.ChildElements()) == 0 && strings.TrimSpace(child.Text()) == "" {
			el.RemoveChild(child)
		}
	}
}
