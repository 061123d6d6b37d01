package proof

import (
	"errors"
	"fmt"
	"io"

	"github.com/felo/mailclaim/internal/dkim"
	json "github.com/goccy/go-json"
)

// Request is a record to evaluate plus the address to bind into the
// receipt. It is the /evaluate body and the batch file format.
type Request struct {
	DKIM       *dkim.Record `json:"dkim"`
	EthAddress string       `json:"ethAddress"`
}

// ReadRequest decodes a JSON request. A missing dkim object is reported as
// malformed input.
func ReadRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.DKIM == nil {
		return nil, &dkim.MalformedInputError{Field: "dkim", Err: errors.New("missing object")}
	}
	return &req, nil
}
