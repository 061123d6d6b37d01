package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testHeaders = "to:victim@example.com\r\n" +
		"subject:Password reset request\r\n" +
		"message-id:<reset-1@x.com>\r\n" +
		"from:X <info@x.com>\r\n" +
		"dkim-signature:v=1; a=rsa-sha256; c=relaxed/relaxed; d=x.com; s=dkim-201406; h=to:subject:message-id:from; bh=; b="
	testBody = "Hi,\r\n\r\nWe received a request to reset your password.\r\n" +
		"This email was meant for @alice and nobody else.\r\n"
)

var (
	keyOnce sync.Once
	keyA    *rsa.PrivateKey
	keyB    *rsa.PrivateKey
	keyErr  error
)

// testKeys returns two distinct 2048-bit keys shared by the package tests.
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		keyA, keyErr = rsa.GenerateKey(rand.Reader, 2048)
		if keyErr != nil {
			return
		}
		keyB, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	require.NoError(t, keyErr, "Failed to generate test keys")
	return keyA, keyB
}

func publicKeyPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func signHeaders(t *testing.T, key *rsa.PrivateKey, headers string) string {
	t.Helper()
	digest := sha256.Sum256([]byte(headers))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func bodyHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// validRecord builds a record that passes every check under DefaultPolicy.
func validRecord(t *testing.T) *Record {
	t.Helper()
	key, _ := testKeys(t)
	return &Record{
		PublicKey:     publicKeyPEM(t, key),
		Signature:     signHeaders(t, key, testHeaders),
		Headers:       testHeaders,
		Body:          testBody,
		BodyHash:      bodyHash(testBody),
		SigningDomain: "x.com",
		Selector:      "dkim-201406",
		Algo:          "rsa-sha256",
		Format:        "relaxed/relaxed",
		ModulusLength: 2048,
	}
}

func defaultVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(DefaultPolicy())
	require.NoError(t, err)
	return v
}
