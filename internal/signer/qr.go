package signer

import (
	"encoding/base64"
	"fmt"
)

// QR payload tags.
const (
	TagSellerName       byte = 1
	TagVATNumber        byte = 2
	TagTimestamp        byte = 3
	TagTotalWithVAT     byte = 4
	TagVATTotal         byte = 5
	TagInvoiceHash      byte = 6
	TagSignature        byte = 7
	TagPublicKey        byte = 8
	TagCertificateProof byte = 9
)

// TLV is one tag-length-value field of a QR payload.
type TLV struct {
	Tag   byte
	Value []byte
}

// EncodeQR packs fields in order and returns the base64 payload. Each value
// must fit a one-byte length.
func EncodeQR(fields []TLV) (string, error) {
	var buf []byte
	for _, f := range fields {
		if len(f.Value) > 255 {
			return "", fmt.Errorf("qr tag %d: value of %d bytes exceeds 255", f.Tag, len(f.Value))
		}
		buf = append(buf, f.Tag, byte(len(f.Value)))
		buf = append(buf, f.Value...)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DecodeQR unpacks a base64 payload produced by EncodeQR.
func DecodeQR(payload string) ([]TLV, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode qr: %w", err)
	}
	var out []TLV
	for i := 0; i < len(raw); {
		if i+2 > len(raw) {
			return nil, fmt.Errorf("decode qr: truncated header at offset %d", i)
		}
		tag, n := raw[i], int(raw[i+1])
		i += 2
		if i+n > len(raw) {
			return nil, fmt.Errorf("decode qr: tag %d overruns payload", tag)
		}
		out = append(out, TLV{Tag: tag, Value: raw[i : i+n]})
		i += n
	}
	return out, nil
}

// QRField returns the value for tag, if present.
func QRField(fields []TLV, tag byte) ([]byte, bool) {
	for _, f := range fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return nil, false
}
