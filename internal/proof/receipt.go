package proof

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/felo/mailclaim/internal/dkim"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// EngineLocal names receipts produced by LocalProver.
const EngineLocal = "local-sha256"

// ErrUnknownEngine is returned when a receipt names an engine this build
// cannot check.
var ErrUnknownEngine = errors.New("unknown proof engine")

// Receipt binds a set of public values to a commitment over their encoding.
type Receipt struct {
	ID           string `json:"id"`
	Engine       string `json:"engine"`
	PublicValues []byte `json:"publicValues"`
	Commitment   string `json:"commitment"`
}

// VerificationResult is what a receipt check reports back to callers.
type VerificationResult struct {
	TwitterHandle string       `json:"twitterHandle"`
	EthAddress    string       `json:"ethAddress"`
	ProofValid    bool         `json:"proofValid"`
	Outputs       *dkim.Output `json:"outputs,omitempty"`
}

// Prover turns a record and an address into a receipt. Implementations
// backed by a proving system replace LocalProver without changing callers.
type Prover interface {
	Prove(ctx context.Context, rec *dkim.Record, address string) (*Receipt, dkim.Output, error)
}

// LocalProver runs the verifier in-process and commits to its outputs.
type LocalProver struct {
	verifier *dkim.Verifier
}

// NewLocalProver creates a LocalProver using v.
func NewLocalProver(v *dkim.Verifier) *LocalProver {
	return &LocalProver{verifier: v}
}

// Prove evaluates rec and returns a receipt over its public values.
// Malformed input is returned as the verifier's *dkim.MalformedInputError.
func (p *LocalProver) Prove(ctx context.Context, rec *dkim.Record, address string) (*Receipt, dkim.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, dkim.Output{}, err
	}

	out, err := p.verifier.Evaluate(rec)
	if err != nil {
		return nil, dkim.Output{}, err
	}

	encoded := PublicValues{Output: out, Address: address}.Encode()
	return &Receipt{
		ID:           uuid.NewString(),
		Engine:       EngineLocal,
		PublicValues: encoded,
		Commitment:   Commit(encoded),
	}, out, nil
}

// Commit returns the hex SHA-256 of encoded public values.
func Commit(encoded []byte) string {
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// Verify checks r's commitment and decodes its public values. A receipt
// whose commitment does not match is reported with ProofValid false; an
// undecodable receipt is an error.
func Verify(r *Receipt) (*VerificationResult, error) {
	if r == nil {
		return nil, errors.New("nil receipt")
	}
	if r.Engine != EngineLocal {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, r.Engine)
	}

	pv, err := DecodePublicValues(r.PublicValues)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public values: %w", err)
	}

	committed := subtle.ConstantTimeCompare([]byte(Commit(r.PublicValues)), []byte(r.Commitment)) == 1
	out := pv.Output
	return &VerificationResult{
		TwitterHandle: pv.ExtractedClaim,
		EthAddress:    pv.Address,
		ProofValid:    committed && pv.ClaimProven,
		Outputs:       &out,
	}, nil
}

// ReadReceipt decodes a JSON receipt.
func ReadReceipt(r io.Reader) (*Receipt, error) {
	var rc Receipt
	if err := json.NewDecoder(r).Decode(&rc); err != nil {
		return nil, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return &rc, nil
}

// WriteReceipt encodes rc as indented JSON.
func WriteReceipt(w io.Writer, rc *Receipt) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rc); err != nil {
		return fmt.Errorf("failed to encode receipt: %w", err)
	}
	return nil
}
