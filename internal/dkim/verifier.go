package dkim

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Defaults for the claim being proven: a password reset email from x.com
// that names the account handle in its body.
const (
	DefaultTrustedDomain = "x.com"
	DefaultSubjectMarker = "Password reset request"
	DefaultClaimPhrase   = "This email was meant for "
)

// handleClass is a Unicode word character: letters, marks, decimal digits
// and connector punctuation. RE2's \w only covers ASCII.
const handleClass = `[\p{L}\p{M}\p{Nd}\p{Pc}]`

// Policy holds the application-specific parts of verification.
type Policy struct {
	// TrustedDomains lists the domains a From address may belong to.
	TrustedDomains []string
	// SubjectMarker is the exact subject value the email must carry.
	SubjectMarker string
	// ClaimPhrase is the literal text preceding the handle in the body.
	ClaimPhrase string
	// MinModulusBits rejects smaller RSA keys when > 0. Zero disables the check.
	MinModulusBits int
}

// DefaultPolicy returns the policy of the password-reset claim.
func DefaultPolicy() Policy {
	return Policy{
		TrustedDomains: []string{DefaultTrustedDomain},
		SubjectMarker:  DefaultSubjectMarker,
		ClaimPhrase:    DefaultClaimPhrase,
	}
}

// Verifier evaluates records against a fixed Policy. It is immutable after
// NewVerifier returns and safe for concurrent use.
type Verifier struct {
	policy         Policy
	domainSuffixes []string
	subjectLine    string
	claimPattern   *regexp.Regexp
}

// NewVerifier validates p and prepares its matchers.
func NewVerifier(p Policy) (*Verifier, error) {
	if len(p.TrustedDomains) == 0 {
		return nil, errors.New("policy: at least one trusted domain is required")
	}
	if p.SubjectMarker == "" {
		return nil, errors.New("policy: subject marker is required")
	}
	if p.ClaimPhrase == "" {
		return nil, errors.New("policy: claim phrase is required")
	}
	if p.MinModulusBits < 0 {
		return nil, fmt.Errorf("policy: negative minimum modulus size %d", p.MinModulusBits)
	}

	suffixes := make([]string, 0, len(p.TrustedDomains))
	for _, d := range p.TrustedDomains {
		d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, "@")))
		if d == "" {
			return nil, errors.New("policy: empty trusted domain")
		}
		suffixes = append(suffixes, "@"+d)
	}

	claim, err := regexp.Compile(regexp.QuoteMeta(p.ClaimPhrase) + `(@` + handleClass + `+)`)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to compile claim pattern: %w", err)
	}

	p.TrustedDomains = append([]string(nil), p.TrustedDomains...)
	return &Verifier{
		policy:         p,
		domainSuffixes: suffixes,
		subjectLine:    "subject:" + p.SubjectMarker,
		claimPattern:   claim,
	}, nil
}

// Policy returns a copy of the verifier's policy.
func (v *Verifier) Policy() Policy {
	p := v.policy
	p.TrustedDomains = append([]string(nil), v.policy.TrustedDomains...)
	return p
}

// VerifySignatureFor checks the header signature using the padding selected
// by algo. Unknown algorithms fail closed.
func (v *Verifier) VerifySignatureFor(algo, headers, signature, publicKey string) (bool, error) {
	d, err := LookupDigest(algo)
	if err != nil {
		// Still surface malformed key or signature ahead of the algorithm verdict.
		if _, kerr := ParsePublicKey(publicKey); kerr != nil {
			return false, kerr
		}
		if _, serr := decodeSignature(signature); serr != nil {
			return false, serr
		}
		return false, nil
	}
	return verifySignature(d, headers, signature, publicKey, v.policy.MinModulusBits)
}

// Evaluate runs every check on rec, each exactly once and regardless of
// earlier failures, and aggregates them. A malformed key or signature is
// returned as a *MalformedInputError and no Output is produced.
func (v *Verifier) Evaluate(rec *Record) (Output, error) {
	if rec == nil {
		return Output{}, &MalformedInputError{Field: "record", Err: errors.New("nil record")}
	}

	var out Output
	out.BodyVerified = VerifyBody(rec.Body, rec.BodyHash)

	sigOK, err := v.VerifySignatureFor(rec.Algo, rec.Headers, rec.Signature, rec.PublicKey)
	if err != nil {
		return Output{}, err
	}
	out.SignatureVerified = sigOK

	out.FromAddressVerified = v.VerifyFrom(rec.Headers)
	out.SubjectMarkerVerified = v.HasSubjectMarker(rec.Headers)
	out.ExtractedClaim = v.ExtractClaim(rec.Body)

	out.ClaimProven = out.BodyVerified &&
		out.SignatureVerified &&
		out.FromAddressVerified &&
		out.SubjectMarkerVerified &&
		len(out.ExtractedClaim) > 0

	return out, nil
}
