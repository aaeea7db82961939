package types

import "strings"

// Address is a national (short-form expanded) address as required on
// invoice party blocks.
type Address struct {
	Street             string `json:"street"`
	AdditionalStreet   string `json:"additional_street,omitempty"`
	BuildingNumber     string `json:"building_number"`
	PlotIdentification string `json:"plot_identification,omitempty"`
	CitySubdivision    string `json:"city_subdivision"`
	City               string `json:"city"`
	PostalCode         string `json:"postal_code"`
	Province           string `json:"province,omitempty"`
	Country            string `json:"country"` // ISO 3166-1 alpha-2, default "SA"
}

// NewAddress creates a new address with Saudi Arabia as default country
func NewAddress(street, buildingNumber, district, city, postalCode string) Address {
	return Address{
		Street:          street,
		BuildingNumber:  buildingNumber,
		CitySubdivision: district,
		City:            city,
		PostalCode:      postalCode,
		Country:         "SA",
	}
}

// OneLine renders the address in a single line, used as the CSR registered address.
func (a Address) OneLine() string {
	parts := make([]string, 0, 5)
	for _, p := range []string{a.BuildingNumber + " " + a.Street, a.CitySubdivision, a.City, a.PostalCode} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// IsZero reports whether no field is set.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ContactInfo represents contact information
type ContactInfo struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}
