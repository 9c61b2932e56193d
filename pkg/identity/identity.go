// Package identity holds the canonical identifier scheme of the graph:
// Wikidata Q-IDs, provisional PROV: figure ids and MW_ media handles.
package identity

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/common"
)

const (
	ProvisionalPrefix = "PROV:"
	MediaPrefix       = "MW_"

	maxSlugLength = 50
)

var (
	reQID            = regexp.MustCompile(`^Q\d+$`)
	reProvFigure     = regexp.MustCompile(`^PROV:[a-z0-9][a-z0-9\-]{0,62}-\d{10,16}$`)
	reMediaID        = regexp.MustCompile(`^MW_\d+$`)
	reProvMedia      = regexp.MustCompile(`^PROV:[a-z0-9\-]+-\d+$`)
	reSlugSeparators = regexp.MustCompile(`[\s'’‘` + "`" + `_]+`)
	reSlugInvalid    = regexp.MustCompile(`[^a-z0-9\-]+`)
	reSlugDashes     = regexp.MustCompile(`-{2,}`)
)

// IsQID reports whether s is a Wikidata Q-ID.
func IsQID(s string) bool {
	return reQID.MatchString(s)
}

// IsProvisional reports whether s carries the PROV: prefix.
func IsProvisional(s string) bool {
	return strings.HasPrefix(s, ProvisionalPrefix)
}

// ValidateCanonicalFigureID accepts a Q-ID or a well-formed provisional id.
func ValidateCanonicalFigureID(s string) error {
	if s == "" || (!reQID.MatchString(s) && !reProvFigure.MatchString(s)) {
		return &common.InvalidIdError{Kind: "canonical figure id", Value: s}
	}
	return nil
}

// ValidateWikidataQID accepts Q-IDs only.
func ValidateWikidataQID(s string) error {
	if !reQID.MatchString(s) {
		return &common.InvalidIdError{Kind: "wikidata qid", Value: s}
	}
	return nil
}

// ValidateMediaID accepts MW_ handles and staging-only provisional media ids.
func ValidateMediaID(s string) error {
	if !reMediaID.MatchString(s) && !reProvMedia.MatchString(s) {
		return &common.InvalidIdError{Kind: "media id", Value: s}
	}
	return nil
}

// ValidatePersistableMediaID rejects provisional media ids, which never
// reach the graph.
func ValidatePersistableMediaID(s string) error {
	if !reMediaID.MatchString(s) {
		return &common.InvalidIdError{Kind: "persistable media id", Value: s}
	}
	return nil
}

// MediaIDFromQID derives the deterministic media handle of a Q-ID,
// e.g. Q2048 becomes MW_2048.
func MediaIDFromQID(qid string) (string, error) {
	if err := ValidateWikidataQID(qid); err != nil {
		return "", err
	}
	return MediaPrefix + strings.TrimPrefix(qid, "Q"), nil
}

// Slug lowercases and ASCII-folds name, turns whitespace and apostrophes
// into dashes, drops other punctuation and truncates to 50 characters.
func Slug(name string) string {
	s := strings.ToLower(util.FoldDiacritics(name))
	s = reSlugSeparators.ReplaceAllString(s, "-")
	s = reSlugInvalid.ReplaceAllString(s, "")
	s = reSlugDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLength {
		s = strings.TrimRight(s[:maxSlugLength], "-")
	}
	return s
}

// MakeProvisionalFigureID mints PROV:<slug>-<epoch_ms> for the current time.
func MakeProvisionalFigureID(name string) string {
	return MakeProvisionalFigureIDAt(name, time.Now())
}

// MakeProvisionalFigureIDAt mints a provisional id for a fixed instant.
// Names without any usable character slug to "unknown".
func MakeProvisionalFigureIDAt(name string, at time.Time) string {
	slug := Slug(name)
	if slug == "" {
		slug = "unknown"
	}
	return fmt.Sprintf("%s%s-%d", ProvisionalPrefix, slug, at.UnixMilli())
}

// ProvisionalSlug returns the slug part of a provisional id, or "" when s
// is not provisional.
func ProvisionalSlug(s string) string {
	if !IsProvisional(s) {
		return ""
	}
	body := strings.TrimPrefix(s, ProvisionalPrefix)
	i := strings.LastIndex(body, "-")
	if i <= 0 {
		return body
	}
	return body[:i]
}
