package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaxID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", "399999999900003", false},
		{"too short", "39999999990003", true},
		{"wrong leading digit", "299999999900003", true},
		{"wrong trailing digit", "399999999900004", true},
		{"letters", "3999999999000A3", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseTaxID(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, id.IsValid())
		})
	}
}

func TestTaxIDIsGroup(t *testing.T) {
	assert.True(t, TaxID("399999999910003").IsGroup())
	assert.False(t, TaxID("399999999900003").IsGroup())
}

func TestChainKeyString(t *testing.T) {
	key := NewChainKey(BranchKey{OrganizationID: "org", BranchID: "br"}, StageProduction)
	assert.Equal(t, "org/br/PRODUCTION", key.String())
}

func TestBranchKeyValidate(t *testing.T) {
	assert.Error(t, BranchKey{BranchID: "b"}.Validate())
	assert.Error(t, BranchKey{OrganizationID: "o"}.Validate())
	assert.NoError(t, BranchKey{OrganizationID: "o", BranchID: "b"}.Validate())
}

func TestAddressOneLine(t *testing.T) {
	a := NewAddress("King Fahd Rd", "1234", "Al Olaya", "Riyadh", "12211")
	assert.Equal(t, "1234 King Fahd Rd, Al Olaya, Riyadh, 12211", a.OneLine())
	assert.Equal(t, "SA", a.Country)
	assert.False(t, a.IsZero())
	assert.True(t, Address{}.IsZero())
}

func TestInvoicingType(t *testing.T) {
	it, err := ParseInvoicingType("1100")
	require.NoError(t, err)
	assert.Equal(t, InvoicingBoth, it)
	assert.True(t, it.Standard())
	assert.True(t, it.Simplified())

	it, err = ParseInvoicingType("SIMPLIFIED")
	require.NoError(t, err)
	assert.Equal(t, "0100", it.Flag())
	assert.False(t, it.Standard())

	_, err = ParseInvoicingType("0010")
	assert.Error(t, err)
	assert.False(t, InvoicingType("x").IsValid())
	assert.False(t, InvoicingType("1100").IsValid())
}

func TestInvoicingType_UnmarshalCanonicalizes(t *testing.T) {
	var body struct {
		Type InvoicingType `json:"invoicing_type"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"invoicing_type":"1100"}`), &body))
	assert.Equal(t, InvoicingBoth, body.Type)
	assert.True(t, body.Type.IsValid())

	require.NoError(t, json.Unmarshal([]byte(`{"invoicing_type":"0100"}`), &body))
	assert.Equal(t, InvoicingSimplified, body.Type)

	require.NoError(t, json.Unmarshal([]byte(`{"invoicing_type":""}`), &body))
	assert.Empty(t, body.Type)

	assert.Error(t, json.Unmarshal([]byte(`{"invoicing_type":"0010"}`), &body))
}
