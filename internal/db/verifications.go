package db

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/felo/mailclaim/internal/dkim"
	"github.com/google/uuid"
)

// NullTime is a custom type that handles both string and time.Time from SQLite
type NullTime struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner for NullTime
func (nt *NullTime) Scan(value interface{}) error {
	if value == nil {
		nt.Time, nt.Valid = time.Time{}, false
		return nil
	}

	switch v := value.(type) {
	case time.Time:
		nt.Time, nt.Valid = v, true
		return nil
	case string:
		formats := []string{
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02 15:04:05-07:00",
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05.999999999",
			"2006-01-02 15:04:05",
		}

		var t time.Time
		var err error
		for _, format := range formats {
			t, err = time.Parse(format, v)
			if err == nil {
				nt.Time, nt.Valid = t, true
				return nil
			}
		}

		return fmt.Errorf("failed to parse time string %q: %w", v, err)
	default:
		return fmt.Errorf("unsupported Scan type for NullTime: %T", value)
	}
}

// Value implements driver.Valuer for NullTime
func (nt NullTime) Value() (driver.Value, error) {
	if !nt.Valid {
		return nil, nil
	}
	return nt.Time, nil
}

// Verification is one ledger row: the verifier's outputs for a record, the
// address they were bound to and the receipt commitment
type Verification struct {
	ID            string
	Source        string
	MessageID     string
	Subject       string
	Sender        string
	EthAddress    string
	SigningDomain string
	Selector      string
	Algo          string
	dkim.Output
	Commitment string
	CreatedAt  NullTime
}

// NewVerification builds a ledger row for rec's evaluation. Message metadata
// is left for the caller to fill in when a raw email was available.
func NewVerification(id, source string, rec *dkim.Record, out dkim.Output, address, commitment string) *Verification {
	v := &Verification{
		ID:         id,
		Source:     source,
		EthAddress: address,
		Output:     out,
		Commitment: commitment,
	}
	if rec != nil {
		v.SigningDomain = rec.SigningDomain
		v.Selector = rec.Selector
		v.Algo = rec.Algo
		if addrs := dkim.FromAddresses(rec.Headers); len(addrs) == 1 {
			v.Sender = addrs[0]
		}
	}
	return v
}

// GetCreatedAt returns the creation time, or zero time if NULL
func (v *Verification) GetCreatedAt() time.Time {
	if v.CreatedAt.Valid {
		return v.CreatedAt.Time
	}
	return time.Time{}
}

const verificationColumns = `
	id, source, message_id, subject, sender, eth_address,
	signing_domain, selector, algo,
	body_verified, signature_verified, from_address_verified,
	subject_marker_verified, extracted_claim, claim_proven,
	commitment, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVerification(row rowScanner, extra ...interface{}) (*Verification, error) {
	v := &Verification{}
	dest := []interface{}{
		&v.ID, &v.Source, &v.MessageID, &v.Subject, &v.Sender, &v.EthAddress,
		&v.SigningDomain, &v.Selector, &v.Algo,
		&v.BodyVerified, &v.SignatureVerified, &v.FromAddressVerified,
		&v.SubjectMarkerVerified, &v.ExtractedClaim, &v.ClaimProven,
		&v.Commitment, &v.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return v, nil
}

// InsertVerification inserts a ledger row. An empty ID gets a new UUID and
// an unset CreatedAt is stamped with the current time.
func (db *DB) InsertVerification(v *Verification) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if !v.CreatedAt.Valid {
		v.CreatedAt = NullTime{Time: time.Now().UTC(), Valid: true}
	}

	_, err := db.Exec(`
		INSERT INTO verifications (`+verificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.ID, v.Source, v.MessageID, v.Subject, v.Sender, v.EthAddress,
		v.SigningDomain, v.Selector, v.Algo,
		v.BodyVerified, v.SignatureVerified, v.FromAddressVerified,
		v.SubjectMarkerVerified, v.ExtractedClaim, v.ClaimProven,
		v.Commitment, v.CreatedAt.Time.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert verification: %w", err)
	}
	return nil
}

// InsertVerificationsBatch inserts rows in a single transaction
func (db *DB) InsertVerificationsBatch(vs []*Verification) error {
	if len(vs) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO verifications (` + verificationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, v := range vs {
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		if !v.CreatedAt.Valid {
			v.CreatedAt = NullTime{Time: now, Valid: true}
		}
		_, err := stmt.Exec(
			v.ID, v.Source, v.MessageID, v.Subject, v.Sender, v.EthAddress,
			v.SigningDomain, v.Selector, v.Algo,
			v.BodyVerified, v.SignatureVerified, v.FromAddressVerified,
			v.SubjectMarkerVerified, v.ExtractedClaim, v.ClaimProven,
			v.Commitment, v.CreatedAt.Time.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert verification %s: %w", v.Source, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetVerification retrieves a row by id. A missing row is ErrNotFound.
func (db *DB) GetVerification(id string) (*Verification, error) {
	row := db.QueryRow(`SELECT `+verificationColumns+` FROM verifications WHERE id = ?`, id)
	v, err := scanVerification(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification: %w", err)
	}
	return v, nil
}

// ListVerifications retrieves the most recent rows with pagination
func (db *DB) ListVerifications(limit, offset int) ([]*Verification, error) {
	rows, err := db.Query(`
		SELECT `+verificationColumns+`
		FROM verifications
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list verifications: %w", err)
	}
	defer rows.Close()

	var vs []*Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verification: %w", err)
		}
		vs = append(vs, v)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating verifications: %w", err)
	}

	return vs, nil
}

// CountVerifications returns the total number of rows
func (db *DB) CountVerifications() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM verifications").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count verifications: %w", err)
	}
	return count, nil
}

// VerificationExistsBySource checks whether a row for source exists
func (db *DB) VerificationExistsBySource(source string) (bool, error) {
	var exists bool
	err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM verifications WHERE source = ?)", source).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check verification existence: %w", err)
	}
	return exists, nil
}

// SourcesExistBatch checks which of the given sources already have rows
func (db *DB) SourcesExistBatch(sources []string) (map[string]bool, error) {
	result := make(map[string]bool, len(sources))
	if len(sources) == 0 {
		return result, nil
	}

	stmt, err := db.Prepare("SELECT EXISTS(SELECT 1 FROM verifications WHERE source = ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, source := range sources {
		var exists bool
		if err := stmt.QueryRow(source).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check source %s: %w", source, err)
		}
		result[source] = exists
	}
	return result, nil
}

// Stats summarizes the ledger
type Stats struct {
	Total          int
	Proven         int
	DistinctClaims int
	LastCreatedAt  NullTime
}

// GetStats returns ledger totals
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}
	var last sql.NullString
	err := db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(claim_proven), 0),
		       COUNT(DISTINCT CASE WHEN claim_proven THEN extracted_claim END),
		       MAX(created_at)
		FROM verifications
	`).Scan(&s.Total, &s.Proven, &s.DistinctClaims, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	if last.Valid {
		if err := s.LastCreatedAt.Scan(last.String); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// DeleteVerificationsBefore removes rows created before cutoff and returns
// how many were removed
func (db *DB) DeleteVerificationsBefore(cutoff time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM verifications WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete verifications: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted verifications: %w", err)
	}
	return n, nil
}
