package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/felo/mailclaim/internal/dkim"
)

// NewNullTime creates a NullTime from a time.Time
func NewNullTime(t time.Time) NullTime {
	return NullTime{Time: t, Valid: true}
}

// SetupTestDB creates an in-memory SQLite database for testing
func SetupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	return db
}

// CleanupTestDB closes the test database
func CleanupTestDB(t *testing.T, db *DB) {
	t.Helper()

	if err := db.Close(); err != nil {
		t.Errorf("Failed to close test database: %v", err)
	}
}

// CreateTestVerification creates a verification with default values. An
// empty claim produces an unproven row.
func CreateTestVerification(source, claim, address string) *Verification {
	proven := claim != ""
	return &Verification{
		Source:        source,
		MessageID:     fmt.Sprintf("<%s@x.com>", source),
		Subject:       "Password reset request",
		Sender:        "info@x.com",
		EthAddress:    address,
		SigningDomain: "x.com",
		Selector:      "dkim-201406",
		Algo:          "rsa-sha256",
		Output: dkim.Output{
			BodyVerified:          true,
			SignatureVerified:     true,
			FromAddressVerified:   true,
			SubjectMarkerVerified: proven,
			ExtractedClaim:        claim,
			ClaimProven:           proven,
		},
		Commitment: fmt.Sprintf("%064x", len(source)),
	}
}

// CreateTestVerificationAt creates a verification with a fixed creation time
func CreateTestVerificationAt(source, claim, address string, at time.Time) *Verification {
	v := CreateTestVerification(source, claim, address)
	v.CreatedAt = NewNullTime(at)
	return v
}

// InsertTestVerifications inserts multiple verifications and returns them
func InsertTestVerifications(t *testing.T, db *DB, vs []*Verification) []*Verification {
	t.Helper()

	for i, v := range vs {
		if err := db.InsertVerification(v); err != nil {
			t.Fatalf("Failed to insert test verification %d: %v", i, err)
		}
	}

	return vs
}
