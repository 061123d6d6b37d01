package dkim

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

const pemPublicKeyType = "PUBLIC KEY"

// VerifySignature checks an rsa-sha256 signature over the header block.
// A signature that does not verify yields false with a nil error; only an
// undecodable key or signature yields a *MalformedInputError.
func VerifySignature(headers, signature, publicKey string) (bool, error) {
	return verifySignature(defaultDigestMap[DefaultAlgorithm], headers, signature, publicKey, 0)
}

func verifySignature(d DigestInfo, headers, signature, publicKey string, minBits int) (bool, error) {
	digest := d.sum(headers)

	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false, err
	}

	sig, err := decodeSignature(signature)
	if err != nil {
		return false, err
	}

	if minBits > 0 && pub.N.BitLen() < minBits {
		return false, nil
	}

	encoded, err := d.encode(digest)
	if err != nil {
		return false, nil
	}

	// crypto.Hash(0): the padded value is compared against encoded as-is.
	if err := rsa.VerifyPKCS1v15(pub, crypto.Hash(0), encoded, sig); err != nil {
		return false, nil
	}
	return true, nil
}

func decodeSignature(signature string) ([]byte, error) {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, &MalformedInputError{Field: "signature", Err: err}
	}
	return sig, nil
}

// ParsePublicKey decodes a PEM SubjectPublicKeyInfo block holding an RSA key.
func ParsePublicKey(publicKey string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKey))
	if block == nil {
		return nil, &MalformedInputError{Field: "publicKey", Err: errors.New("no PEM block found")}
	}
	if block.Type != pemPublicKeyType {
		return nil, &MalformedInputError{
			Field: "publicKey",
			Err:   fmt.Errorf("unexpected PEM block type %q, want %q", block.Type, pemPublicKeyType),
		}
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, &MalformedInputError{Field: "publicKey", Err: err}
	}
	rpk, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, &MalformedInputError{Field: "publicKey", Err: fmt.Errorf("key syntax error, not an RSA public key: %T", key)}
	}
	return rpk, nil
}
