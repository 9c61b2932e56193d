// Package similarity scores whether two figure names refer to the same
// person. Scores combine a lexical edit-distance ratio with a phonetic
// double-metaphone match.
package similarity

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/antzucaro/matchr"

	"github.com/gcquraishi/chronosgraph/internal/util"
)

const (
	LexicalWeight  = 0.7
	PhoneticWeight = 0.3

	HighThreshold   = 0.9
	MediumThreshold = 0.7
)

// Confidence is the coarse label attached to a combined score.
type Confidence string

const (
	High   Confidence = "high"
	Medium Confidence = "medium"
	Low    Confidence = "low"
)

// Score is the full breakdown of a name comparison.
type Score struct {
	Lexical    float64    `json:"lexical"`
	Phonetic   float64    `json:"phonetic"`
	Combined   float64    `json:"combined"`
	Confidence Confidence `json:"confidence"`
}

// Compare scores a against b.
func Compare(a, b string) Score {
	lex := Lexical(a, b)
	ph := Phonetic(a, b)
	combined := LexicalWeight*lex + PhoneticWeight*ph
	return Score{
		Lexical:    lex,
		Phonetic:   ph,
		Combined:   combined,
		Confidence: Label(combined),
	}
}

// Combined is 0.7*Lexical + 0.3*Phonetic.
func Combined(a, b string) float64 {
	return LexicalWeight*Lexical(a, b) + PhoneticWeight*Phonetic(a, b)
}

// Label maps a combined score to its confidence label.
func Label(score float64) Confidence {
	switch {
	case score >= HighThreshold:
		return High
	case score >= MediumThreshold:
		return Medium
	}
	return Low
}

// Lexical returns (maxLen - levenshtein) / maxLen on the folded, lowercased
// names. Two empty names score 1.
func Lexical(a, b string) float64 {
	a, b = util.NormalizeName(a), util.NormalizeName(b)
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return float64(maxLen-dist) / float64(maxLen)
}

// Phonetic compares the double-metaphone keys of every token pair and
// returns 1 for a primary match, 0.5 for a match involving an alternate
// key and 0 otherwise. Two empty names score 1, one empty name scores 0.
func Phonetic(a, b string) float64 {
	ka, kb := tokenKeys(a), tokenKeys(b)
	switch {
	case len(ka) == 0 && len(kb) == 0:
		return 1
	case len(ka) == 0 || len(kb) == 0:
		return 0
	}

	best := 0.0
	for _, x := range ka {
		for _, y := range kb {
			if x.primary == y.primary {
				return 1
			}
			if x.primary == y.alternate || x.alternate == y.primary || x.alternate == y.alternate {
				best = 0.5
			}
		}
	}
	return best
}

type phoneticKey struct {
	primary   string
	alternate string
}

// tokenKeys returns the double-metaphone keys of each word of name, folded
// to ASCII first. Keys are at most four characters long.
func tokenKeys(name string) []phoneticKey {
	fields := strings.Fields(util.FoldDiacritics(name))
	keys := make([]phoneticKey, 0, len(fields))
	for _, f := range fields {
		p, alt := matchr.DoubleMetaphone(f)
		if p == "" && alt == "" {
			continue
		}
		if alt == "" {
			alt = p
		}
		if p == "" {
			p = alt
		}
		keys = append(keys, phoneticKey{primary: p, alternate: alt})
	}
	return keys
}
