package signer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/einvoicing/internal/chain"
	"github.com/ledgerline/einvoicing/internal/invoice"
	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/logging"
	"github.com/ledgerline/einvoicing/internal/shared/types"
	"github.com/ledgerline/einvoicing/internal/ubl"
)

var signingTime = time.Date(2026, 3, 1, 10, 31, 0, 0, time.UTC)

func newKeyAndCert(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(4711),
		Subject:      pkix.Name{CommonName: "POS-0001", Organization: []string{"Ledgerline Trading Co"}, Country: []string{"SA"}},
		Issuer:       pkix.Name{CommonName: "Test Issuing CA"},
		NotBefore:    signingTime.Add(-time.Hour),
		NotAfter:     signingTime.Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func renderDoc(t *testing.T, invType invoice.InvoiceType) []byte {
	t.Helper()
	d := &invoice.Draft{
		ID:           types.NewID(),
		Number:       "INV-0001",
		DocumentType: invoice.DocumentTypeInvoice,
		InvoiceType:  invType,
		Currency:     "SAR",
		IssuedAt:     time.Date(2026, 3, 1, 10, 30, 15, 0, time.UTC),
		Lines: []invoice.LineDraft{{
			Item:      invoice.Item{Name: "Coffee & cake"},
			UnitPrice: decimal.RequireFromString("10.00"),
			Quantity:  decimal.NewFromInt(1),
			Tax:       invoice.TaxCategory{Code: invoice.TaxCategoryStandard, Rate: decimal.NewFromInt(15)},
		}},
	}
	c, err := invoice.Compute(d)
	require.NoError(t, err)

	supplier := invoice.Party{Name: "Ledgerline Trading Co", TaxID: "399999999900003", Address: types.NewAddress("King Fahd Rd", "1234", "Al Olaya", "Riyadh", "12211")}
	var customer *invoice.Party
	if invType == invoice.InvoiceTypeStandard {
		customer = &invoice.Party{Name: "Acme Industrial", TaxID: "300000000000003"}
	}
	doc, err := ubl.Render(c, chain.Link{PIH: chain.SeedPIH, ICV: 1}, supplier, customer)
	require.NoError(t, err)
	return doc.Bytes
}

func newSigner() *Signer {
	return New(WithClock(func() time.Time { return signingTime }), WithLogger(logging.Nop()))
}

func TestSign_RoundTrip(t *testing.T) {
	key, cert := newKeyAndCert(t)
	env, err := newSigner().Sign(renderDoc(t, invoice.InvoiceTypeSimplified), key, cert)
	require.NoError(t, err)

	digest, err := ExtractDigest(env.Bytes)
	require.NoError(t, err)
	assert.Equal(t, env.Digest, digest)

	qr, err := ExtractQR(env.Bytes)
	require.NoError(t, err)
	assert.Equal(t, env.QR, qr)

	require.NoError(t, Verify(env.Bytes, cert))
	assert.Equal(t, signingTime, env.SigningTime)
}

func TestSign_DigestIgnoresSignatureParts(t *testing.T) {
	key, cert := newKeyAndCert(t)
	doc := renderDoc(t, invoice.InvoiceTypeStandard)
	s := newSigner()

	first, err := s.Sign(doc, key, cert)
	require.NoError(t, err)
	// Re-signing a signed document yields the same invoice hash.
	second, err := s.Sign(first.Bytes, key, cert)
	require.NoError(t, err)
	assert.Equal(t, first.Digest, second.Digest)
	require.NoError(t, Verify(second.Bytes, cert))
}

func TestSign_Structure(t *testing.T) {
	key, cert := newKeyAndCert(t)
	env, err := newSigner().Sign(renderDoc(t, invoice.InvoiceTypeSimplified), key, cert)
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(env.Bytes))
	root := doc.Root()

	children := root.ChildElements()
	assert.Equal(t, "UBLExtensions", children[0].Tag)
	assert.NotNil(t, root.FindElement("ext:UBLExtensions/ext:UBLExtension/ext:ExtensionContent/sig:UBLDocumentSignatures/sac:SignatureInformation/ds:Signature"))
	assert.Equal(t, "2026-03-01T10:31:00", root.FindElement(".//xades:SigningTime").Text())
	assert.Equal(t, "4711", root.FindElement(".//ds:X509SerialNumber").Text())

	// QR and the signature reference follow the PIH attachment.
	pih := root.FindElement("cac:AdditionalDocumentReference[cbc:ID='PIH']")
	require.NotNil(t, pih)
	next := pih.NextSibling()
	require.NotNil(t, next)
	assert.Equal(t, "QR", next.FindElement("cbc:ID").Text())
	assert.Equal(t, "Signature", next.NextSibling().Tag)
}

func TestSign_QRFields(t *testing.T) {
	key, cert := newKeyAndCert(t)

	t.Run("simplified", func(t *testing.T) {
		env, err := newSigner().Sign(renderDoc(t, invoice.InvoiceTypeSimplified), key, cert)
		require.NoError(t, err)

		fields, err := DecodeQR(env.QR)
		require.NoError(t, err)
		require.Len(t, fields, 9)
		for i, f := range fields {
			assert.Equal(t, byte(i+1), f.Tag)
		}

		get := func(tag byte) string {
			v, ok := QRField(fields, tag)
			require.True(t, ok)
			return string(v)
		}
		assert.Equal(t, "Ledgerline Trading Co", get(TagSellerName))
		assert.Equal(t, "399999999900003", get(TagVATNumber))
		assert.Equal(t, "2026-03-01T10:30:15", get(TagTimestamp))
		assert.Equal(t, "11.50", get(TagTotalWithVAT))
		assert.Equal(t, "1.50", get(TagVATTotal))
		assert.Equal(t, env.Digest, get(TagInvoiceHash))
		assert.Equal(t, env.SignatureValue, get(TagSignature))
		assert.Equal(t, string(cert.RawSubjectPublicKeyInfo), get(TagPublicKey))
		assert.Equal(t, string(cert.Signature), get(TagCertificateProof))
	})

	t.Run("standard omits certificate proof", func(t *testing.T) {
		env, err := newSigner().Sign(renderDoc(t, invoice.InvoiceTypeStandard), key, cert)
		require.NoError(t, err)

		fields, err := DecodeQR(env.QR)
		require.NoError(t, err)
		assert.Len(t, fields, 8)
		_, ok := QRField(fields, TagCertificateProof)
		assert.False(t, ok)
	})
}

func TestVerify_DetectsTampering(t *testing.T) {
	key, cert := newKeyAndCert(t)
	env, err := newSigner().Sign(renderDoc(t, invoice.InvoiceTypeSimplified), key, cert)
	require.NoError(t, err)

	tampered := strings.Replace(string(env.Bytes), ">11.50<", ">1.15<", 1)
	require.NotEqual(t, string(env.Bytes), tampered)
	assert.Error(t, Verify([]byte(tampered), cert))

	_, other := newKeyAndCert(t)
	assert.Error(t, Verify(env.Bytes, other))
}

func TestSign_Failures(t *testing.T) {
	key, cert := newKeyAndCert(t)
	otherKey, _ := newKeyAndCert(t)
	doc := renderDoc(t, invoice.InvoiceTypeSimplified)

	tests := []struct {
		name string
		doc  []byte
		key  *ecdsa.PrivateKey
		cert *x509.Certificate
	}{
		{"nil key", doc, nil, cert},
		{"nil certificate", doc, key, nil},
		{"mismatched key", doc, otherKey, cert},
		{"malformed document", []byte("<Invoice><unclosed>"), key, cert},
		{"missing supplier", []byte(`<Invoice xmlns="urn:x"><IssueDate>2026-01-01</IssueDate></Invoice>`), key, cert},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newSigner().Sign(tt.doc, tt.key, tt.cert)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrSigningFailed)
		})
	}
}

func TestQRCodec(t *testing.T) {
	payload, err := EncodeQR([]TLV{{1, []byte("Bobs Records")}, {2, []byte("310122393500003")}})
	require.NoError(t, err)

	fields, err := DecodeQR(payload)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "Bobs Records", string(fields[0].Value))

	_, err = EncodeQR([]TLV{{1, make([]byte, 256)}})
	assert.Error(t, err)

	_, err = DecodeQR("AQ==")
	assert.Error(t, err)
}
