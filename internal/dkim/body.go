package dkim

import (
	"crypto/sha256"
	"encoding/base64"
)

// VerifyBody reports whether expected is the padded standard base64 of
// SHA-256(body). The body is hashed as raw bytes and the comparison is an
// exact string match.
func VerifyBody(body, expected string) bool {
	sum := sha256.Sum256([]byte(body))
	return base64.StdEncoding.EncodeToString(sum[:]) == expected
}
