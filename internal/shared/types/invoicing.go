package types

import "fmt"

// InvoicingType is what a branch is registered to issue.
type InvoicingType string

const (
	InvoicingStandard   InvoicingType = "STANDARD"
	InvoicingSimplified InvoicingType = "SIMPLIFIED"
	InvoicingBoth       InvoicingType = "BOTH"
)

// ParseInvoicingType accepts the enum name or the four-character TSCZ flag.
func ParseInvoicingType(s string) (InvoicingType, error) {
	switch s {
	case string(InvoicingStandard), "1000":
		return InvoicingStandard, nil
	case string(InvoicingSimplified), "0100":
		return InvoicingSimplified, nil
	case string(InvoicingBoth), "1100":
		return InvoicingBoth, nil
	}
	return "", fmt.Errorf("unknown invoicing type %q", s)
}

// IsValid reports whether t is one of the canonical names. Flag forms must
// go through ParseInvoicingType first.
func (t InvoicingType) IsValid() bool {
	switch t {
	case InvoicingStandard, InvoicingSimplified, InvoicingBoth:
		return true
	}
	return false
}

// UnmarshalText accepts either form and stores the canonical name. An empty
// value stays empty so identity validation can report it as missing.
func (t *InvoicingType) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*t = ""
		return nil
	}
	v, err := ParseInvoicingType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Flag renders the TSCZ flag carried in the certificate title attribute.
func (t InvoicingType) Flag() string {
	switch t {
	case InvoicingStandard:
		return "1000"
	case InvoicingSimplified:
		return "0100"
	case InvoicingBoth:
		return "1100"
	}
	return ""
}

// Standard reports whether business invoices are in scope.
func (t InvoicingType) Standard() bool {
	return t == InvoicingStandard || t == InvoicingBoth
}

// Simplified reports whether retail invoices are in scope.
func (t InvoicingType) Simplified() bool {
	return t == InvoicingSimplified || t == InvoicingBoth
}
