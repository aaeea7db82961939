// Package signer applies the enveloped XAdES signature, invoice hash and QR
// payload to rendered invoices, and reads them back.
package signer

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/ucarion/c14n"

	"github.com/ledgerline/einvoicing/internal/ubl"
)

const (
	nsDS    = "http://www.w3.org/2000/09/xmldsig#"
	nsXAdES = "http://uri.etsi.org/01903/v1.3.2#"
	nsSIG   = "urn:oasis:names:specification:ubl:schema:xsd:CommonSignatureComponents-2"
	nsSAC   = "urn:oasis:names:specification:ubl:schema:xsd:SignatureAggregateComponents-2"
	nsSBC   = "urn:oasis:names:specification:ubl:schema:xsd:SignatureBasicComponents-2"

	algC14N11    = "http://www.w3.org/2006/12/xml-c14n11"
	algECDSA256  = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
	algSHA256    = "http://www.w3.org/2001/04/xmlenc#sha256"
	algXPath     = "http://www.w3.org/TR/1999/REC-xpath-19991116"
	typeSignedPr = "http://www.w3.org/2000/09/xmldsig#SignatureProperties"

	extensionURI     = "urn:oasis:names:specification:ubl:dsig:enveloped:xades"
	signatureID      = "urn:oasis:names:specification:ubl:signature:Invoice"
	signatureInfoID  = "urn:oasis:names:specification:ubl:signature:1"
	invoiceRefID     = "invoiceSignedData"
	signedPropsID    = "xadesSignedProperties"
	signingTimeFmt   = "2006-01-02T15:04:05"
	simplifiedPrefix = "02"
)

// Elements excluded from the invoice hash, in XPath form for the transforms.
var hashExclusions = []string{
	"not(//ancestor-or-self::ext:UBLExtensions)",
	"not(//ancestor-or-self::cac:Signature)",
	"not(//ancestor-or-self::cac:AdditionalDocumentReference[cbc:ID='QR'])",
}

// Envelope is a signed document and the values derived while signing it.
type Envelope struct {
	Bytes []byte
	// Digest is the base64 SHA-256 invoice hash; it becomes the next PIH.
	Digest         string
	QR             string
	SignatureValue string
	SigningTime    time.Time
}

// Signer signs rendered documents.
type Signer struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock overrides the signing time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// WithLogger sets the signer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Signer) {
		s.logger = l
	}
}

// New creates a signer.
func New(opts ...Option) *Signer {
	s := &Signer{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign hashes doc, signs the hash with key, and embeds the signature, the
// signing certificate and the QR payload.
func (s *Signer) Sign(doc []byte, key *ecdsa.PrivateKey, cert *x509.Certificate) (*Envelope, error) {
	if key == nil || cert == nil {
		return nil, failed("key and certificate are required", nil)
	}
	certKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !certKey.Equal(key.Public()) {
		return nil, failed("certificate does not match signing key", nil)
	}

	tree, err := parse(doc)
	if err != nil {
		return nil, failed("parse document", err)
	}
	stripped := strip(tree)

	hashRaw, err := invoiceHash(stripped)
	if err != nil {
		return nil, failed("canonicalize document", err)
	}
	digest := base64.StdEncoding.EncodeToString(hashRaw)

	signed := sha256.Sum256(hashRaw)
	sigDER, err := ecdsa.SignASN1(rand.Reader, key, signed[:])
	if err != nil {
		return nil, failed("sign invoice hash", err)
	}
	sigValue := base64.StdEncoding.EncodeToString(sigDER)

	fields, err := qrFields(stripped.Root(), digest, sigValue, cert)
	if err != nil {
		return nil, err
	}
	qr, err := EncodeQR(fields)
	if err != nil {
		return nil, failed("encode qr", err)
	}

	signingTime := s.now().UTC().Truncate(time.Second)
	signature, err := buildSignature(digest, sigValue, cert, signingTime)
	if err != nil {
		return nil, failed("build signature", err)
	}

	if err := inject(stripped.Root(), signature, qr); err != nil {
		return nil, err
	}
	out, err := stripped.WriteToBytes()
	if err != nil {
		return nil, failed("serialize signed document", err)
	}

	s.logger.Debug("invoice signed", slog.String("digest", digest), slog.Time("signing_time", signingTime))
	return &Envelope{
		Bytes:          out,
		Digest:         digest,
		QR:             qr,
		SignatureValue: sigValue,
		SigningTime:    signingTime,
	}, nil
}

// ExtractDigest returns the invoice hash recorded in a signed document.
func ExtractDigest(signed []byte) (string, error) {
	tree, err := parse(signed)
	if err != nil {
		return "", err
	}
	el := tree.Root().FindElement(".//ds:Reference[@Id='" + invoiceRefID + "']/ds:DigestValue")
	if el == nil {
		return "", fmt.Errorf("extract digest: invoice reference not found")
	}
	return el.Text(), nil
}

// ExtractQR returns the QR payload embedded in a signed document.
func ExtractQR(signed []byte) (string, error) {
	tree, err := parse(signed)
	if err != nil {
		return "", err
	}
	el := tree.Root().FindElement("cac:AdditionalDocumentReference[cbc:ID='" + ubl.RefQR + "']/cac:Attachment/cbc:EmbeddedDocumentBinaryObject")
	if el == nil {
		return "", fmt.Errorf("extract qr: attachment not found")
	}
	return el.Text(), nil
}

// Verify recomputes the invoice hash of a signed document and checks the
// recorded digest, signature value and signed properties against cert.
func Verify(signed []byte, cert *x509.Certificate) error {
	tree, err := parse(signed)
	if err != nil {
		return err
	}
	root := tree.Root()

	recorded := root.FindElement(".//ds:Reference[@Id='" + invoiceRefID + "']/ds:DigestValue")
	sigEl := root.FindElement(".//ds:SignatureValue")
	propsDigest := root.FindElement(".//ds:Reference[@URI='#" + signedPropsID + "']/ds:DigestValue")
	props := root.FindElement(".//xades:SignedProperties")
	if recorded == nil || sigEl == nil || propsDigest == nil || props == nil {
		return fmt.Errorf("verify: signature block incomplete")
	}

	hashRaw, err := invoiceHash(strip(tree))
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if base64.StdEncoding.EncodeToString(hashRaw) != recorded.Text() {
		return fmt.Errorf("verify: document does not match its recorded digest")
	}

	sig, err := base64.StdEncoding.DecodeString(sigEl.Text())
	if err != nil {
		return fmt.Errorf("verify: decode signature: %w", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("verify: certificate key is not ECDSA")
	}
	signedHash := sha256.Sum256(hashRaw)
	if !ecdsa.VerifyASN1(pub, signedHash[:], sig) {
		return fmt.Errorf("verify: signature does not match certificate")
	}

	got, err := elementDigest(props)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if got != propsDigest.Text() {
		return fmt.Errorf("verify: signed properties were altered")
	}
	return nil
}

func parse(b []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(b); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("parse document: no root element")
	}
	return doc, nil
}

// strip returns a copy of doc's root without the signature, its container and
// the QR attachment, i.e. the form the invoice hash is computed over.
func strip(doc *etree.Document) *etree.Document {
	root := doc.Root().Copy()
	for _, path := range []string{
		"ext:UBLExtensions",
		"cac:Signature",
		"cac:AdditionalDocumentReference[cbc:ID='" + ubl.RefQR + "']",
	} {
		for _, el := range root.FindElements(path) {
			root.RemoveChild(el)
		}
	}
	out := etree.NewDocument()
	out.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	out.SetRoot(root)
	return out
}

func canonicalize(data []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Entity = map[string]string{}
	return c14n.Canonicalize(dec)
}

func invoiceHash(doc *etree.Document) ([]byte, error) {
	b, err := etree.NewDocumentWithRoot(doc.Root().Copy()).WriteToBytes()
	if err != nil {
		return nil, err
	}
	canon, err := canonicalize(b)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

// elementDigest hashes a detached copy of el with the namespace declarations
// it inherits from the signature block added in a fixed order.
func elementDigest(el *etree.Element) (string, error) {
	cp := el.Copy()
	for _, ns := range []struct{ prefix, uri string }{{"xades", nsXAdES}, {"ds", nsDS}} {
		if cp.SelectAttr("xmlns:"+ns.prefix) == nil {
			cp.CreateAttr("xmlns:"+ns.prefix, ns.uri)
		}
	}
	b, err := etree.NewDocumentWithRoot(cp).WriteToBytes()
	if err != nil {
		return "", err
	}
	canon, err := canonicalize(b)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

func qrFields(root *etree.Element, digest, sigValue string, cert *x509.Certificate) ([]TLV, error) {
	read := func(path string) (string, error) {
		el := root.FindElement(path)
		if el == nil || strings.TrimSpace(el.Text()) == "" {
			return "", failed("document is missing "+path, nil)
		}
		return el.Text(), nil
	}

	var vals [5]string
	for i, path := range []string{
		"cac:AccountingSupplierParty/cac:Party/cac:PartyLegalEntity/cbc:RegistrationName",
		"cac:AccountingSupplierParty/cac:Party/cac:PartyTaxScheme/cbc:CompanyID",
		"cbc:IssueDate",
		"cbc:IssueTime",
		"cac:LegalMonetaryTotal/cbc:TaxInclusiveAmount",
	} {
		v, err := read(path)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	vatTotal, err := read("cac:TaxTotal/cbc:TaxAmount")
	if err != nil {
		return nil, err
	}
	typeCode := root.FindElement("cbc:InvoiceTypeCode")
	if typeCode == nil {
		return nil, failed("document is missing cbc:InvoiceTypeCode", nil)
	}

	fields := []TLV{
		{TagSellerName, []byte(vals[0])},
		{TagVATNumber, []byte(vals[1])},
		{TagTimestamp, []byte(vals[2] + "T" + vals[3])},
		{TagTotalWithVAT, []byte(vals[4])},
		{TagVATTotal, []byte(vatTotal)},
		{TagInvoiceHash, []byte(digest)},
		{TagSignature, []byte(sigValue)},
		{TagPublicKey, cert.RawSubjectPublicKeyInfo},
	}
	if strings.HasPrefix(typeCode.SelectAttrValue("name", ""), simplifiedPrefix) {
		fields = append(fields, TLV{TagCertificateProof, cert.Signature})
	}
	return fields, nil
}

func buildSignature(digest, sigValue string, cert *x509.Certificate, signingTime time.Time) (*etree.Element, error) {
	certDigest := sha256.Sum256(cert.Raw)

	sig := etree.NewElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", nsDS)
	sig.CreateAttr("Id", "signature")

	props := etree.NewElement("xades:SignedProperties")
	props.CreateAttr("Id", signedPropsID)
	ssp := props.CreateElement("xades:SignedSignatureProperties")
	ssp.CreateElement("xades:SigningTime").SetText(signingTime.Format(signingTimeFmt))
	c := ssp.CreateElement("xades:SigningCertificate").CreateElement("xades:Cert")
	cd := c.CreateElement("xades:CertDigest")
	cd.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", algSHA256)
	cd.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(certDigest[:]))))
	is := c.CreateElement("xades:IssuerSerial")
	is.CreateElement("ds:X509IssuerName").SetText(cert.Issuer.String())
	is.CreateElement("ds:X509SerialNumber").SetText(cert.SerialNumber.String())

	propsDigest, err := elementDigest(props)
	if err != nil {
		return nil, err
	}

	si := sig.CreateElement("ds:SignedInfo")
	si.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", algC14N11)
	si.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", algECDSA256)

	ref := si.CreateElement("ds:Reference")
	ref.CreateAttr("Id", invoiceRefID)
	ref.CreateAttr("URI", "")
	transforms := ref.CreateElement("ds:Transforms")
	for _, x := range hashExclusions {
		t := transforms.CreateElement("ds:Transform")
		t.CreateAttr("Algorithm", algXPath)
		t.CreateElement("ds:XPath").SetText(x)
	}
	transforms.CreateElement("ds:Transform").CreateAttr("Algorithm", algC14N11)
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", algSHA256)
	ref.CreateElement("ds:DigestValue").SetText(digest)

	propsRef := si.CreateElement("ds:Reference")
	propsRef.CreateAttr("Type", typeSignedPr)
	propsRef.CreateAttr("URI", "#"+signedPropsID)
	propsRef.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", algSHA256)
	propsRef.CreateElement("ds:DigestValue").SetText(propsDigest)

	sig.CreateElement("ds:SignatureValue").SetText(sigValue)
	sig.CreateElement("ds:KeyInfo").CreateElement("ds:X509Data").CreateElement("ds:X509Certificate").
		SetText(base64.StdEncoding.EncodeToString(cert.Raw))

	qp := sig.CreateElement("ds:Object").CreateElement("xades:QualifyingProperties")
	qp.CreateAttr("xmlns:xades", nsXAdES)
	qp.CreateAttr("Target", "signature")
	qp.AddChild(props)
	return sig, nil
}

// inject places the signature extension first, and the QR attachment and
// signature reference directly after the PIH attachment.
func inject(root *etree.Element, signature *etree.Element, qr string) error {
	pih := root.FindElement("cac:AdditionalDocumentReference[cbc:ID='" + ubl.RefPIH + "']")
	if pih == nil {
		return failed("document has no PIH attachment", nil)
	}

	qrRef := etree.NewElement("cac:AdditionalDocumentReference")
	qrRef.CreateElement("cbc:ID").SetText(ubl.RefQR)
	obj := qrRef.CreateElement("cac:Attachment").CreateElement("cbc:EmbeddedDocumentBinaryObject")
	obj.CreateAttr("mimeCode", "text/plain")
	obj.SetText(qr)

	sigRef := etree.NewElement("cac:Signature")
	sigRef.CreateElement("cbc:ID").SetText(signatureID)
	sigRef.CreateElement("cbc:SignatureMethod").SetText(extensionURI)

	at := pih.Index() + 1
	root.InsertChildAt(at, qrRef)
	root.InsertChildAt(at+1, sigRef)

	exts := etree.NewElement("ext:UBLExtensions")
	ext := exts.CreateElement("ext:UBLExtension")
	ext.CreateElement("ext:ExtensionURI").SetText(extensionURI)
	docSigs := ext.CreateElement("ext:ExtensionContent").CreateElement("sig:UBLDocumentSignatures")
	docSigs.CreateAttr("xmlns:sig", nsSIG)
	docSigs.CreateAttr("xmlns:sac", nsSAC)
	docSigs.CreateAttr("xmlns:sbc", nsSBC)
	info := docSigs.CreateElement("sac:SignatureInformation")
	info.CreateElement("cbc:ID").SetText(signatureInfoID)
	info.CreateElement("sbc:ReferencedSignatureID").SetText(signatureID)
	info.AddChild(signature)

	root.InsertChildAt(0, exts)
	return nil
}
