package types

import (
	"fmt"
	"regexp"
)

// TaxID is a VAT registration number: 15 digits, starting and ending with 3.
type TaxID string

var taxIDRegex = regexp.MustCompile(`^3\d{13}3$`)

// ParseTaxID validates and parses a VAT registration number
func ParseTaxID(s string) (TaxID, error) {
	if !taxIDRegex.MatchString(s) {
		return "", fmt.Errorf("tax identifier must be 15 digits starting and ending with 3")
	}
	return TaxID(s), nil
}

// IsValid re-checks the format, for values loaded from storage.
func (t TaxID) IsValid() bool {
	return taxIDRegex.MatchString(string(t))
}

// IsGroup reports whether this is a VAT group number (11th digit is 1).
func (t TaxID) IsGroup() bool {
	return len(t) == 15 && t[10] == '1'
}

func (t TaxID) String() string {
	return string(t)
}
