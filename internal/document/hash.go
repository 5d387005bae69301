package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// domainPrefix separates fingerprints of different kinds so that two
// documents with identical bodies but different kinds never collide.
func domainPrefix(k Kind) string {
	return "databroker/" + string(k) + "/v1"
}

// Fingerprint returns the content hash of doc: SHA256(domain + 0x00 + canonical JSON).
func Fingerprint(k Kind, doc Document) (string, error) {
	canonical, err := MarshalCanonical(doc)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", k, err)
	}
	h := sha256.New()
	h.Write([]byte(domainPrefix(k)))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SameContent reports whether a and b have identical canonical content.
func SameContent(k Kind, a, b Document) (bool, error) {
	fa, err := Fingerprint(k, a)
	if err != nil {
		return false, err
	}
	fb, err := Fingerprint(k, b)
	if err != nil {
		return false, err
	}
	return fa == fb, nil
}
