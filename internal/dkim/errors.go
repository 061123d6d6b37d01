package dkim

import (
	"errors"
	"fmt"
)

// ErrUnsupportedAlgorithm is returned by LookupDigest for algorithm names
// missing from the digest table.
var ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

// MalformedInputError reports a record field that could not be decoded at
// all. It is distinct from a verification that ran and failed.
type MalformedInputError struct {
	Field string
	Err   error
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("dkim: malformed %s: %v", e.Field, e.Err)
}

func (e *MalformedInputError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err is or wraps a *MalformedInputError.
func IsMalformed(err error) bool {
	var m *MalformedInputError
	return errors.As(err, &m)
}
