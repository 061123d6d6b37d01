package parser

import "time"

// Envelope is the header metadata of a raw email submitted for proving.
// The DKIM record itself comes from the extractor; the envelope only feeds
// the ledger and rejects input that is not an email at all.
type Envelope struct {
	MessageID      string
	Subject        string
	Sender         string
	SenderName     string
	Recipients     []string
	Date           time.Time // zero when the header is missing or unparsable
	DKIMSignatures int
	RawHeaders     string
	Size           int64
}
