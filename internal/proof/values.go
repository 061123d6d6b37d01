package proof

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/felo/mailclaim/internal/dkim"
)

// PublicValues is the fixed-position output tuple: the six verifier outputs
// in order, then the caller's address, which is carried but not interpreted.
type PublicValues struct {
	dkim.Output
	Address string
}

// ErrTruncated is returned when encoded public values end early.
var ErrTruncated = errors.New("public values truncated")

// Encode serializes the tuple position by position. A bool is one byte
// (0 or 1); a string is its byte length as little-endian uint64 followed by
// the bytes.
func (pv PublicValues) Encode() []byte {
	var buf bytes.Buffer
	writeBool(&buf, pv.BodyVerified)
	writeBool(&buf, pv.SignatureVerified)
	writeBool(&buf, pv.FromAddressVerified)
	writeBool(&buf, pv.SubjectMarkerVerified)
	writeString(&buf, pv.ExtractedClaim)
	writeBool(&buf, pv.ClaimProven)
	writeString(&buf, pv.Address)
	return buf.Bytes()
}

// DecodePublicValues is the inverse of Encode. Trailing bytes are an error.
func DecodePublicValues(b []byte) (PublicValues, error) {
	r := &reader{b: b}
	var pv PublicValues
	pv.BodyVerified = r.bool()
	pv.SignatureVerified = r.bool()
	pv.FromAddressVerified = r.bool()
	pv.SubjectMarkerVerified = r.bool()
	pv.ExtractedClaim = r.string()
	pv.ClaimProven = r.bool()
	pv.Address = r.string()
	if r.err != nil {
		return PublicValues{}, r.err
	}
	if len(r.b) != 0 {
		return PublicValues{}, fmt.Errorf("%d trailing bytes after public values", len(r.b))
	}
	return pv, nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
		return
	}
	buf.WriteByte(0)
}

func writeString(buf *bytes.Buffer, s string) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) bool() bool {
	if r.err != nil {
		return false
	}
	if len(r.b) < 1 {
		r.err = ErrTruncated
		return false
	}
	v := r.b[0]
	r.b = r.b[1:]
	switch v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.err = fmt.Errorf("invalid bool byte %#x", v)
		return false
	}
}

func (r *reader) string() string {
	if r.err != nil {
		return ""
	}
	if len(r.b) < 8 {
		r.err = ErrTruncated
		return ""
	}
	n := binary.LittleEndian.Uint64(r.b[:8])
	r.b = r.b[8:]
	if n > uint64(len(r.b)) {
		r.err = ErrTruncated
		return ""
	}
	s := r.b[:n]
	r.b = r.b[n:]
	if !utf8.Valid(s) {
		r.err = errors.New("string is not valid UTF-8")
		return ""
	}
	return string(s)
}
