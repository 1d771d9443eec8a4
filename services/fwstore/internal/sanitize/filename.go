package sanitize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Filename reduces a client-supplied filename to a form that is safe to join onto a
// directory: compatibility-decomposed and stripped to ASCII, path separators turned into
// word breaks, whitespace runs joined with underscores, everything outside [A-Za-z0-9_.-]
// dropped, and leading/trailing dots and underscores trimmed.
//
// The result never contains a separator and never starts with a dot, so it cannot name a
// parent directory. It may be empty; callers treat that as a missing filename.
func Filename(raw string) string {
	if raw == "" {
		return ""
	}

	decomposed := norm.NFKD.String(raw)

	var ascii strings.Builder
	ascii.Grow(len(decomposed))
	for _, r := range decomposed {
		switch {
		case r > unicode.MaxASCII:
			continue
		case r == '/':
			ascii.WriteByte(' ')
		default:
			ascii.WriteRune(r)
		}
	}

	joined := strings.Join(strings.Fields(ascii.String()), "_")

	var b strings.Builder
	b.Grow(len(joined))
	for _, r := range joined {
		if isAllowed(r) {
			b.WriteRune(r)
		}
	}

	return strings.Trim(b.String(), "._")
}

func isAllowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '.', r == '-':
		return true
	default:
		return false
	}
}
