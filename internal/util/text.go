package util

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// SanitizePostgresText drops invalid UTF-8 and NUL bytes, which Postgres
// refuses in text and jsonb columns.
func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

// FoldDiacritics NFD-normalises s and strips combining marks, so
// "Vercingétorix" becomes "Vercingetorix".
func FoldDiacritics(s string) string {
	if s == "" {
		return s
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName folds diacritics, lowercases and collapses whitespace.
// It is the comparison form used for names and titles.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(FoldDiacritics(s))), " ")
}
