package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/charmap"
)

func init() {
	// Register additional charsets that are commonly used in emails
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

var (
	// ErrEmpty is returned for an empty submission
	ErrEmpty = errors.New("email is empty")
	// ErrNoFrom is returned when the email has no parsable From header
	ErrNoFrom = errors.New("email has no From address")
	// ErrNoDKIMSignature is returned when the email carries no DKIM-Signature header
	ErrNoDKIMSignature = errors.New("email has no DKIM-Signature header")
)

// ParseEnvelopeFile parses the headers of an .eml file
func ParseEnvelopeFile(filePath string) (*Envelope, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	return ParseEnvelope(f)
}

// ParseEnvelope reads an email and returns its header metadata. Bodies are
// not decoded.
func ParseEnvelope(r io.Reader) (*Envelope, error) {
	// Read the entire message first to capture raw headers
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("failed to read email: %w", err)
	}
	if buf.Len() == 0 {
		return nil, ErrEmpty
	}

	mr, err := mail.CreateReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}
	defer mr.Close()

	env := &Envelope{
		RawHeaders: extractRawHeaders(buf.String()),
		Size:       int64(buf.Len()),
	}

	header := mr.Header

	if msgID := header.Get("Message-Id"); msgID != "" {
		env.MessageID = strings.TrimSpace(msgID)
	}

	// Subject - decode MIME words
	env.Subject = decodeMIMEWord(header.Get("Subject"))

	if fromAddrs, err := header.AddressList("From"); err == nil && len(fromAddrs) > 0 {
		env.Sender = fromAddrs[0].Address
		env.SenderName = fromAddrs[0].Name
	}

	if toAddrs, err := header.AddressList("To"); err == nil {
		for _, addr := range toAddrs {
			env.Recipients = append(env.Recipients, addr.Address)
		}
	}

	if date, err := header.Date(); err == nil {
		env.Date = date
	}

	env.DKIMSignatures = len(header.Values("Dkim-Signature"))

	return env, nil
}

// Validate checks that the envelope can plausibly produce a DKIM record
func (e *Envelope) Validate() error {
	if e.Sender == "" {
		return ErrNoFrom
	}
	if e.DKIMSignatures == 0 {
		return ErrNoDKIMSignature
	}
	return nil
}

// extractRawHeaders extracts the raw header section from the email
func extractRawHeaders(emailContent string) string {
	// Headers end at the first blank line
	parts := strings.SplitN(emailContent, "\r\n\r\n", 2)
	if len(parts) < 2 {
		parts = strings.SplitN(emailContent, "\n\n", 2)
	}
	return parts[0]
}

// decodeMIMEWord decodes MIME-encoded words (RFC 2047)
func decodeMIMEWord(s string) string {
	dec := new(mime.WordDecoder)
	dec.CharsetReader = charset.Reader
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		// If decoding fails, return original string
		return s
	}
	return decoded
}
