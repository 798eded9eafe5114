package caption

import "strings"

// isInvisible reports code points that render as nothing but break naive
// substring search: soft hyphen, combining grapheme joiner, zero-width
// space/joiners, directional marks, word joiner, invisible operators
// (U+2061..U+2064, including the invisible separator U+2063) and BOM.
func isInvisible(r rune) bool {
	switch {
	case r == '\u00AD', r == '\u034F', r == '\u180E', r == '\uFEFF':
		return true
	case r >= '\u200B' && r <= '\u200F':
		return true
	case r >= '\u2060' && r <= '\u2064':
		return true
	}
	return false
}

// Normalize strips invisible characters and unifies line endings. It is the
// first stage of Parse and is idempotent.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Map(func(r rune) rune {
		if isInvisible(r) {
			return -1
		}
		return r
	}, s)
}
