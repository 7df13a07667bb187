package safety

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// invisible reports runes that render as nothing and are used to split
// keywords: soft hyphen, zero-width space/joiners, direction marks, word
// joiner range and the byte order mark.
func invisible(r rune) bool {
	switch {
	case r == '\u00AD', r == '\uFEFF':
		return true
	case r >= '\u200B' && r <= '\u200F':
		return true
	case r >= '\u2060' && r <= '\u2064':
		return true
	}
	return false
}

// Canonicalize returns s in NFKC form with invisible characters removed,
// every run of whitespace collapsed to one space and surrounding space
// trimmed. It does not change case.
func Canonicalize(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if invisible(r) {
			continue
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// Fold is the form rules are matched against.
func Fold(s string) string {
	return strings.ToLower(Canonicalize(s))
}

var (
	roleTag    = regexp.MustCompile(`(?i)<\s*/?\s*(system|developer|assistant)\s*>`)
	spaceRun = regexp.MustCompile(`[ \t]{2,}`)
)

// SanitizeQuestion replaces role tags a client may use to fake a system or
// assistant turn with a space, so the words around a tag stay apart.
func SanitizeQuestion(s string) string {
	if !roleTag.MatchString(s) {
		return strings.TrimSpace(s)
	}
	s = roleTag.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}
