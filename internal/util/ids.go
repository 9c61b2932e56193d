package util

import (
	"fmt"
	"regexp"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const batchIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

var (
	reNanoid    = regexp.MustCompile(`^[A-Za-z0-9_-]{21}$`)
	reEntityURI = regexp.MustCompile(`(?i)^(?:https?://)?(?:www\.)?wikidata\.org/(?:entity|wiki)/(Q\d+)$`)
	reBareQID   = regexp.MustCompile(`(?i)^q\d+$`)
)

// NewBatchID returns a short random batch id such as "batch-4k2n9x0c1q".
func NewBatchID(prefix string) (string, error) {
	id, err := gonanoid.Generate(batchIDAlphabet, 10)
	if err != nil {
		return "", fmt.Errorf("failed to generate batch id: %w", err)
	}
	if prefix == "" {
		return id, nil
	}
	return prefix + "-" + id, nil
}

// IsNanoid reports whether s has the shape of a default nanoid.
func IsNanoid(s string) bool {
	return reNanoid.MatchString(s)
}

// NormalizeQID accepts a bare Q-ID in any case or a Wikidata entity URL and
// returns the canonical upper-case form. Anything else is returned trimmed
// and unchanged so validators can report it.
func NormalizeQID(s string) string {
	s = strings.TrimSpace(s)
	if m := reEntityURI.FindStringSubmatch(s); m != nil {
		return strings.ToUpper(m[1])
	}
	if reBareQID.MatchString(s) {
		return strings.ToUpper(s)
	}
	return s
}
