// Package wikidata resolves figures and works against Wikidata: Q-ID
// lookups, name and date searches and multilingual alias fetches.
package wikidata

import (
	"context"
	"slices"
)

// DefaultAliasLanguages are the languages searched for figure aliases.
var DefaultAliasLanguages = []string{"en", "la", "it", "fr", "de", "es"}

// Entry is the subset of a Wikidata item the graph uses.
type Entry struct {
	QID             string   `json:"qid"`
	Label           string   `json:"label"`
	Description     string   `json:"description,omitempty"`
	Aliases         []string `json:"aliases,omitempty"`
	BirthYear       *int     `json:"birth_year,omitempty"`
	DeathYear       *int     `json:"death_year,omitempty"`
	PartOfSeries    string   `json:"part_of_series,omitempty"`
	SeriesOrdinal   string   `json:"series_ordinal,omitempty"`
	PublicationYear *int     `json:"publication_year,omitempty"`
}

// Candidate is one search hit.
type Candidate struct {
	QID         string `json:"qid"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// ExternalIdentityService resolves identities against an external
// catalogue. LookupByQID returns a *common.NotFoundError for unknown ids.
// SearchByNameAndDates ranks candidates by the most restrictive filter that
// matches: both dates, then birth year only, then name only.
type ExternalIdentityService interface {
	LookupByQID(ctx context.Context, qid string) (*Entry, error)
	SearchByNameAndDates(ctx context.Context, name string, birthYear, deathYear *int) ([]Candidate, error)
	FetchAliases(ctx context.Context, qid string, languages []string) ([]string, error)
}

type datedCandidate struct {
	Candidate
	birth *int
	death *int
}

// rankByDates keeps service order and returns the first non-empty tier.
func rankByDates(cands []datedCandidate, birthYear, deathYear *int) []Candidate {
	var both, birthOnly, nameOnly []Candidate
	for _, c := range cands {
		nameOnly = append(nameOnly, c.Candidate)
		birthMatch := birthYear != nil && c.birth != nil && *c.birth == *birthYear
		if !birthMatch {
			continue
		}
		birthOnly = append(birthOnly, c.Candidate)
		if deathYear != nil && c.death != nil && *c.death == *deathYear {
			both = append(both, c.Candidate)
		}
	}

	switch {
	case len(both) > 0:
		return both
	case len(birthOnly) > 0:
		return birthOnly
	}
	return nameOnly
}

func dedupeStrings(values []string, exclude string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || v == exclude || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}
