package dkim

import (
	"crypto"
	"fmt"
	"strings"
)

// DefaultAlgorithm is used when a record does not declare one.
const DefaultAlgorithm = "rsa-sha256"

// DigestInfo binds a digest algorithm into RSASSA-PKCS1-v1.5 padding:
// Prefix is the DER DigestInfo header placed before a digest of Size bytes.
type DigestInfo struct {
	Name   string
	Hash   crypto.Hash
	Prefix []byte
	Size   int
}

// rsa-sha1 is deliberately absent, RFC 8301 section 3.1.
var defaultDigestList = []DigestInfo{
	{
		Name: "rsa-sha256",
		Hash: crypto.SHA256,
		// SEQUENCE { SEQUENCE { OID 2.16.840.1.101.3.4.2.1, NULL }, OCTET STRING (32) }
		Prefix: []byte{
			0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
			0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20,
		},
		Size: 32,
	},
}

var defaultDigestMap = func() map[string]DigestInfo {
	mp := make(map[string]DigestInfo, len(defaultDigestList))
	for _, d := range defaultDigestList {
		mp[d.Name] = d
	}
	return mp
}()

// LookupDigest returns the padding parameters for a DKIM "a=" value.
// Names are matched case-insensitively; an empty name selects DefaultAlgorithm.
func LookupDigest(algo string) (DigestInfo, error) {
	name := strings.ToLower(strings.TrimSpace(algo))
	if name == "" {
		name = DefaultAlgorithm
	}
	d, ok := defaultDigestMap[name]
	if !ok {
		return DigestInfo{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algo)
	}
	return d, nil
}

// encode returns prefix || digest, the value RSA-signed under PKCS1v15.
func (d DigestInfo) encode(digest []byte) ([]byte, error) {
	if len(digest) != d.Size {
		return nil, fmt.Errorf("digest length %d, want %d", len(digest), d.Size)
	}
	out := make([]byte, 0, len(d.Prefix)+len(digest))
	out = append(out, d.Prefix...)
	return append(out, digest...), nil
}

func (d DigestInfo) sum(data string) []byte {
	h := d.Hash.New()
	h.Write([]byte(data))
	return h.Sum(nil)
}
