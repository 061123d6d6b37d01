// Package dkimtest builds signed records for tests outside the dkim package.
package dkimtest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"sync"
	"testing"

	"github.com/felo/mailclaim/internal/dkim"
)

// Headers and Body of the canonical password-reset email used in tests.
const (
	Headers = "to:victim@example.com\r\n" +
		"subject:Password reset request\r\n" +
		"from:X <info@x.com>\r\n" +
		"dkim-signature:v=1; a=rsa-sha256; c=relaxed/relaxed; d=x.com; s=dkim-201406; h=to:subject:from; bh=; b="
	Body = "Hi,\r\n\r\nThis email was meant for @alice and nobody else.\r\n"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
)

// Key returns a 2048-bit key shared by all tests in the binary.
func Key(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if keyErr != nil {
		t.Fatalf("Failed to generate test key: %v", keyErr)
	}
	return key
}

// PublicKeyPEM encodes k's public half as a PEM SubjectPublicKeyInfo block.
func PublicKeyPEM(t testing.TB, k *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// Sign returns the base64 rsa-sha256 signature of headers.
func Sign(t testing.TB, k *rsa.PrivateKey, headers string) string {
	t.Helper()
	digest := sha256.Sum256([]byte(headers))
	sig, err := rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("Failed to sign headers: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

// BodyHash returns the base64 SHA-256 of body.
func BodyHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// NewRecord returns a record for headers and body, signed with Key and with
// a matching body hash.
func NewRecord(t testing.TB, headers, body string) *dkim.Record {
	t.Helper()
	k := Key(t)
	return &dkim.Record{
		PublicKey:     PublicKeyPEM(t, k),
		Signature:     Sign(t, k, headers),
		Headers:       headers,
		Body:          body,
		BodyHash:      BodyHash(body),
		SigningDomain: "x.com",
		Selector:      "dkim-201406",
		Algo:          dkim.DefaultAlgorithm,
		Format:        "relaxed/relaxed",
		ModulusLength: 2048,
	}
}

// ProvenRecord returns a record that proves the claim "@alice".
func ProvenRecord(t testing.TB) *dkim.Record {
	t.Helper()
	return NewRecord(t, Headers, Body)
}

// UnprovenRecord returns a validly signed record whose subject is not the
// password-reset marker.
func UnprovenRecord(t testing.TB) *dkim.Record {
	t.Helper()
	return NewRecord(t, strings.Replace(Headers, "Password reset request", "Weekly digest", 1), Body)
}
