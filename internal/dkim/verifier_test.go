package dkim

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVerifier_RejectsIncompletePolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{"no domains", Policy{SubjectMarker: "s", ClaimPhrase: "c"}},
		{"blank domain", Policy{TrustedDomains: []string{" "}, SubjectMarker: "s", ClaimPhrase: "c"}},
		{"no subject marker", Policy{TrustedDomains: []string{"x.com"}, ClaimPhrase: "c"}},
		{"no claim phrase", Policy{TrustedDomains: []string{"x.com"}, SubjectMarker: "s"}},
		{"negative key size", Policy{TrustedDomains: []string{"x.com"}, SubjectMarker: "s", ClaimPhrase: "c", MinModulusBits: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(tt.policy)
			assert.Error(t, err)
		})
	}
}

func TestVerifyFrom(t *testing.T) {
	v := defaultVerifier(t)

	tests := []struct {
		name    string
		headers string
		want    bool
	}{
		{"single trusted sender", "to:a@b.c\r\nfrom:X <info@x.com>\r\nsubject:hi", true},
		{"sender on first line", "from:X <info@x.com>\r\nto:a@b.c", true},
		{"empty display name", "to:a@b.c\r\nfrom:<info@x.com>", true},
		{"display name with spaces", "to:a@b.c\r\nfrom:X Corp Support <verify@x.com>", true},
		{"domain compared case-insensitively", "to:a@b.c\r\nfrom:X <info@X.COM>", true},
		{"mixed-case local part and domain", "to:a@b.c\r\nfrom:X <Info.Desk@X.com>", true},
		{"no from line", "to:a@b.c\r\nsubject:hi", false},
		{"two from lines same domain", "from:X <info@x.com>\r\nto:a@b.c\r\nfrom:X <info@x.com>", false},
		{"two from lines mixed domains", "from:X <info@x.com>\r\nfrom:Eve <eve@evil.com>", false},
		{"foreign domain", "to:a@b.c\r\nfrom:Eve <eve@evil.com>", false},
		{"suffix without at sign", "to:a@b.c\r\nfrom:Eve <eve@notx.com>", false},
		{"subdomain is not the trusted domain", "to:a@b.c\r\nfrom:Eve <eve@mail.x.com>", false},
		{"bare address without brackets", "to:a@b.c\r\nfrom:info@x.com", false},
		{"capitalised header name", "to:a@b.c\r\nFrom: X <info@x.com>", false},
		{"trailing text after address", "to:a@b.c\r\nfrom:X <info@x.com> (via evil.com)", false},
		{"bare LF is not a line break", "to:a@b.c\nfrom:X <info@x.com>", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.VerifyFrom(tt.headers))
		})
	}
}

// A from-looking substring inside another header's value is not a From line.
// Only CRLF-delimited lines starting with "from:" count.
func TestVerifyFrom_HeaderInjection(t *testing.T) {
	v := defaultVerifier(t)

	injectedOnly := "to:a@b.c\r\nsubject:hello from:X <info@x.com>"
	assert.Empty(t, FromAddresses(injectedOnly))
	assert.False(t, v.VerifyFrom(injectedOnly), "An embedded from: must not satisfy the sender check")

	injectedPlusReal := "to:a@b.c\r\nsubject:hi from:X <info@x.com>\r\nfrom:Eve <eve@evil.com>"
	assert.Equal(t, []string{"eve@evil.com"}, FromAddresses(injectedPlusReal))
	assert.False(t, v.VerifyFrom(injectedPlusReal), "The real sender decides, not the embedded one")

	realPlusInjected := "from:X <info@x.com>\r\nx-note:forwarded from:Eve <eve@evil.com>"
	assert.Equal(t, []string{"info@x.com"}, FromAddresses(realPlusInjected))
	assert.True(t, v.VerifyFrom(realPlusInjected))
}

func TestVerifyFrom_MultipleTrustedDomains(t *testing.T) {
	v, err := NewVerifier(Policy{
		TrustedDomains: []string{"x.com", "@twitter.com"},
		SubjectMarker:  DefaultSubjectMarker,
		ClaimPhrase:    DefaultClaimPhrase,
	})
	require.NoError(t, err)

	assert.True(t, v.VerifyFrom("from:X <info@x.com>"))
	assert.True(t, v.VerifyFrom("from:Twitter <info@twitter.com>"))
	assert.False(t, v.VerifyFrom("from:Eve <eve@evil.com>"))
	assert.Equal(t, []string{"x.com", "@twitter.com"}, v.Policy().TrustedDomains)
}

func TestHasSubjectMarker(t *testing.T) {
	v := defaultVerifier(t)

	tests := []struct {
		name    string
		headers string
		want    bool
	}{
		{"exact line", "to:a@b.c\r\nsubject:Password reset request\r\nfrom:X <info@x.com>", true},
		{"exact last line", "to:a@b.c\r\nsubject:Password reset request", true},
		{"exact first line", "subject:Password reset request\r\nto:a@b.c", true},
		{"different casing", "to:a@b.c\r\nsubject:password reset request", false},
		{"capitalised header and space", "to:a@b.c\r\nSubject: password reset request", false},
		{"space after colon", "to:a@b.c\r\nsubject: Password reset request", false},
		{"longer subject", "to:a@b.c\r\nsubject:Password reset requested", false},
		{"prefixed subject", "to:a@b.c\r\nsubject:Re: Password reset request", false},
		{"marker inside other header", "to:a@b.c\r\nx-subject:Password reset request", false},
		{"no subject", "to:a@b.c", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.HasSubjectMarker(tt.headers))
		})
	}
}

func TestExtractClaim(t *testing.T) {
	v := defaultVerifier(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"handle in sentence", "...This email was meant for @alice and nobody else...", "@alice"},
		{"handle with digits and underscore", "This email was meant for @bob_42.", "@bob_42"},
		{"first match wins", "This email was meant for @first\r\nThis email was meant for @second", "@first"},
		{"no phrase", "Hello @alice", ""},
		{"phrase without handle", "This email was meant for alice", ""},
		{"phrase with bare at sign", "This email was meant for @ alice", ""},
		{"phrase casing differs", "this email was meant for @alice", ""},
		{"non-ASCII handle kept whole", "This email was meant for @jürgen and nobody else", "@jürgen"},
		{"CJK handle", "This email was meant for @名前 ok", "@名前"},
		{"combining mark in handle", "This email was meant for @jose\u0301!", "@jose\u0301"},
		{"handle stops at punctuation", "This email was meant for @zoë.", "@zoë"},
		{"empty body", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.ExtractClaim(tt.body))
		})
	}
}

func TestEvaluate_ValidRecord(t *testing.T) {
	v := defaultVerifier(t)

	out, err := v.Evaluate(validRecord(t))

	require.NoError(t, err)
	assert.Equal(t, Output{
		BodyVerified:          true,
		SignatureVerified:     true,
		FromAddressVerified:   true,
		SubjectMarkerVerified: true,
		ExtractedClaim:        "@alice",
		ClaimProven:           true,
	}, out)
}

// resign replaces the header block and signs it again with the record's key.
func resign(t *testing.T, rec *Record, headers string) {
	t.Helper()
	key, _ := testKeys(t)
	rec.Headers = headers
	rec.Signature = signHeaders(t, key, headers)
}

func TestEvaluate_SingleCheckFailures(t *testing.T) {
	v := defaultVerifier(t)
	_, otherKey := testKeys(t)

	tests := []struct {
		name   string
		mutate func(rec *Record)
		want   Output
	}{
		{
			name:   "body hash mismatch",
			mutate: func(rec *Record) { rec.BodyHash = bodyHash(rec.Body + " ") },
			want:   Output{false, true, true, true, "@alice", false},
		},
		{
			name:   "signature by another key",
			mutate: func(rec *Record) { rec.Signature = signHeaders(t, otherKey, rec.Headers) },
			want:   Output{true, false, true, true, "@alice", false},
		},
		{
			name: "foreign sender",
			mutate: func(rec *Record) {
				resign(t, rec, strings.Replace(testHeaders, "info@x.com", "info@evil.com", 1))
			},
			want: Output{true, true, false, true, "@alice", false},
		},
		{
			name: "duplicate sender",
			mutate: func(rec *Record) {
				resign(t, rec, testHeaders+"\r\nfrom:X <info@x.com>")
			},
			want: Output{true, true, false, true, "@alice", false},
		},
		{
			name: "different subject",
			mutate: func(rec *Record) {
				resign(t, rec, strings.Replace(testHeaders, "Password reset request", "Your weekly digest", 1))
			},
			want: Output{true, true, true, false, "@alice", false},
		},
		{
			name: "no claim in body",
			mutate: func(rec *Record) {
				rec.Body = "Hi,\r\n\r\nWe received a request to reset your password.\r\n"
				rec.BodyHash = bodyHash(rec.Body)
			},
			want: Output{true, true, true, true, "", false},
		},
		{
			name:   "unsupported algorithm",
			mutate: func(rec *Record) { rec.Algo = "rsa-sha1" },
			want:   Output{true, false, true, true, "@alice", false},
		},
		{
			name:   "empty algorithm defaults to rsa-sha256",
			mutate: func(rec *Record) { rec.Algo = "" },
			want:   Output{true, true, true, true, "@alice", true},
		},
		{
			name: "metadata is not validated",
			mutate: func(rec *Record) {
				rec.SigningDomain = "evil.com"
				rec.Selector = "other"
				rec.Format = "simple/simple"
				rec.ModulusLength = 512
			},
			want: Output{true, true, true, true, "@alice", true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord(t)
			tt.mutate(rec)

			out, err := v.Evaluate(rec)

			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
			if out.ClaimProven {
				assert.NotEmpty(t, out.ExtractedClaim, "A proven claim always carries its token")
			}
		})
	}
}

func TestEvaluate_MalformedInput(t *testing.T) {
	v := defaultVerifier(t)

	tests := []struct {
		name   string
		mutate func(rec *Record)
		field  string
	}{
		{"bad public key", func(rec *Record) { rec.PublicKey = "not a key" }, "publicKey"},
		{"bad signature", func(rec *Record) { rec.Signature = "@@@@" }, "signature"},
		{"bad key and signature", func(rec *Record) { rec.PublicKey = ""; rec.Signature = "@@@@" }, "publicKey"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord(t)
			tt.mutate(rec)

			out, err := v.Evaluate(rec)

			require.Error(t, err)
			assert.Equal(t, Output{}, out, "No output is produced for malformed input")

			var merr *MalformedInputError
			require.ErrorAs(t, err, &merr)
			assert.Equal(t, tt.field, merr.Field)
		})
	}

	_, err := v.Evaluate(nil)
	assert.True(t, IsMalformed(err))
}

func TestEvaluate_DoesNotMutateRecord(t *testing.T) {
	v := defaultVerifier(t)
	rec := validRecord(t)
	before := *rec

	_, err := v.Evaluate(rec)

	require.NoError(t, err)
	assert.Equal(t, before, *rec)
}

func TestEvaluate_DeterministicAcrossGoroutines(t *testing.T) {
	v := defaultVerifier(t)
	rec := validRecord(t)

	want, err := v.Evaluate(rec)
	require.NoError(t, err)

	const workers = 8
	results := make([]Output, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = v.Evaluate(rec)
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		assert.Equal(t, want, got, "Worker %d disagreed", i)
	}
}

func TestOutput_FailedChecks(t *testing.T) {
	assert.Empty(t, Output{
		BodyVerified: true, SignatureVerified: true, FromAddressVerified: true,
		SubjectMarkerVerified: true, ExtractedClaim: "@a", ClaimProven: true,
	}.FailedChecks())

	assert.Equal(t,
		[]string{CheckBody, CheckSignature, CheckFromAddress, CheckSubjectMarker, CheckClaim},
		Output{}.FailedChecks())

	assert.Equal(t, []string{CheckSignature}, Output{
		BodyVerified: true, FromAddressVerified: true,
		SubjectMarkerVerified: true, ExtractedClaim: "@a",
	}.FailedChecks())
}
