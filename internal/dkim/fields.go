package dkim

import (
	"regexp"
	"strings"
)

const crlf = "\r\n"

// fromLine matches one relaxed-canonicalized From header line of the shape
// "from:<display-name> <local@domain>".
var fromLine = regexp.MustCompile(`^from:[^<>\r\n]*<([^<>\s@]+@[^<>\s@]+)>[ \t]*$`)

// headerLines splits a CRLF-joined header block. Only a CRLF starts a new
// line; values containing other text that looks like a header stay inside
// their own line.
func headerLines(headers string) []string {
	return strings.Split(headers, crlf)
}

// FromAddresses returns the address of every From line in headers, in order.
func FromAddresses(headers string) []string {
	var addrs []string
	for _, line := range headerLines(headers) {
		if m := fromLine.FindStringSubmatch(line); m != nil {
			addrs = append(addrs, m[1])
		}
	}
	return addrs
}

// VerifyFrom reports whether headers carry exactly one From line and its
// address belongs to a trusted domain. Several From lines are ambiguous and
// rejected. The domain is compared case-insensitively, since DNS names are;
// the local part is never case-folded.
func (v *Verifier) VerifyFrom(headers string) bool {
	addrs := FromAddresses(headers)
	if len(addrs) != 1 {
		return false
	}
	return v.trustedAddress(addrs[0])
}

// trustedAddress reports whether addr's domain is a trusted domain. Only the
// domain part is case-folded; the local part is compared as written.
func (v *Verifier) trustedAddress(addr string) bool {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return false
	}
	domain := "@" + strings.ToLower(addr[at+1:])
	for _, suffix := range v.domainSuffixes {
		if domain == suffix {
			return true
		}
	}
	return false
}

// HasSubjectMarker reports whether a header line is exactly
// "subject:" followed by the configured marker. Matching is case-sensitive.
func (v *Verifier) HasSubjectMarker(headers string) bool {
	for _, line := range headerLines(headers) {
		if line == v.subjectLine {
			return true
		}
	}
	return false
}

// ExtractClaim returns the first handle token ("@" plus Unicode word characters)
// that follows the claim phrase in body, or "" when there is none.
func (v *Verifier) ExtractClaim(body string) string {
	m := v.claimPattern.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return m[1]
}
