// Package policy scrubs peer-supplied text and credentials before they reach
// the run log.
package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	handlePattern = regexp.MustCompile(`(^|[\s(])@[A-Za-z0-9_]{4,32}\b`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

const secretMask = "[REDACTED]"

// RedactPII masks email addresses, messenger handles, card and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	next = handlePattern.ReplaceAllString(out, "${1}[REDACTED_HANDLE]")
	changed = changed || next != out
	out = next

	// Cards first so a card number is not reported as a phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Redactor masks configured secrets and peer PII.
type Redactor struct {
	secrets []string
}

// NewRedactor ignores blank secrets and ones too short to mask safely.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if len(strings.TrimSpace(s)) >= 4 {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

// Secrets replaces every configured secret in s.
func (r *Redactor) Secrets(s string) string {
	if r == nil {
		return s
	}
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, secretMask)
	}
	return s
}

// Text applies Secrets and RedactPII.
func (r *Redactor) Text(s string) string {
	out, _ := RedactPII(r.Secrets(s))
	return out
}

// Error renders err with secrets masked. A nil error renders as "".
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}
	return r.Secrets(err.Error())
}
