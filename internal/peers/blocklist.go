package peers

import (
	"regexp"
	"strings"
)

// disallowed matches everything outside the normalized alphabet: latin and
// cyrillic letters, digits, whitespace and the characters "@", "." and "/".
var disallowed = regexp.MustCompile(`[^a-zа-я0-9\s@./]`)

// DefaultBlocklist holds phrases that end a dialog when a peer sends them.
var DefaultBlocklist = []string{
	"эй ты",
	"ты бот",
	"То самое 18+ Ищи в тг: SNAROGA",
	"спам",
}

// Normalize lowercases text and strips characters outside the allowed set.
func Normalize(text string) string {
	return disallowed.ReplaceAllString(strings.ToLower(text), "")
}

// Blocklist matches normalized text against normalized phrases.
type Blocklist struct {
	phrases []string
}

// NewBlocklist normalizes phrases the same way inbound text is normalized so
// punctuation in a configured phrase cannot make it unmatchable.
func NewBlocklist(phrases []string) *Blocklist {
	b := &Blocklist{}
	for _, p := range phrases {
		n := strings.TrimSpace(Normalize(p))
		if n == "" {
			continue
		}
		b.phrases = append(b.phrases, n)
	}
	return b
}

// Match returns the first blocked phrase contained in text.
func (b *Blocklist) Match(text string) (string, bool) {
	if b == nil || len(b.phrases) == 0 {
		return "", false
	}
	cleaned := Normalize(text)
	for _, p := range b.phrases {
		if strings.Contains(cleaned, p) {
			return p, true
		}
	}
	return "", false
}

func (b *Blocklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.phrases)
}
