package dkim

// Record is a DKIM-signed email already reduced to the values needed for
// verification. Headers and Body are expected to be canonicalized upstream.
type Record struct {
	PublicKey     string `json:"publicKey"`
	Signature     string `json:"signature"`
	Headers       string `json:"headers"`
	Body          string `json:"body"`
	BodyHash      string `json:"bodyHash"`
	SigningDomain string `json:"signingDomain"`
	Selector      string `json:"selector"`
	Algo          string `json:"algo"`
	Format        string `json:"format"`
	ModulusLength uint32 `json:"modulusLength"` // carried, never enforced; see Policy.MinModulusBits
}

// Output is the result of evaluating one Record.
// Field order is part of the public output tuple and must not change.
type Output struct {
	BodyVerified          bool   `json:"bodyVerified"`
	SignatureVerified     bool   `json:"signatureVerified"`
	FromAddressVerified   bool   `json:"fromAddressVerified"`
	SubjectMarkerVerified bool   `json:"subjectMarkerVerified"`
	ExtractedClaim        string `json:"extractedClaim"`
	ClaimProven           bool   `json:"claimProven"`
}

// Check names as reported by FailedChecks.
const (
	CheckBody          = "body"
	CheckSignature     = "signature"
	CheckFromAddress   = "fromAddress"
	CheckSubjectMarker = "subjectMarker"
	CheckClaim         = "claim"
)

// FailedChecks lists the checks that did not pass, in output order. A
// missing claim token counts as a failed claim check.
func (o Output) FailedChecks() []string {
	var failed []string
	if !o.BodyVerified {
		failed = append(failed, CheckBody)
	}
	if !o.SignatureVerified {
		failed = append(failed, CheckSignature)
	}
	if !o.FromAddressVerified {
		failed = append(failed, CheckFromAddress)
	}
	if !o.SubjectMarkerVerified {
		failed = append(failed, CheckSubjectMarker)
	}
	if o.ExtractedClaim == "" {
		failed = append(failed, CheckClaim)
	}
	return failed
}
