package graph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/identity"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/similarity"
	"github.com/gcquraishi/chronosgraph/pkg/store"
	"github.com/gcquraishi/chronosgraph/pkg/wikidata"
)

const (
	DefaultFuzzyThreshold     = 0.85
	DefaultBirthYearTolerance = 20
)

// MatchKind says which pass matched a record.
type MatchKind string

const (
	MatchNone     MatchKind = ""
	MatchSame     MatchKind = "same"
	MatchIdentity MatchKind = "wikidata"
	MatchAlias    MatchKind = "alias"
	MatchFuzzy    MatchKind = "fuzzy"
	MatchManual   MatchKind = "manual"
)

// ClusterMember is a duplicate and why it was placed in its cluster.
type ClusterMember struct {
	Figure common.HistoricalFigure `json:"figure"`
	Match  MatchKind               `json:"match"`
	Reason string                  `json:"reason"`
	Score  float64                 `json:"score"`
}

// DuplicateCluster is a set of figures believed to be one person.
type DuplicateCluster struct {
	Primary    common.HistoricalFigure `json:"primary"`
	Duplicates []ClusterMember         `json:"duplicates"`
}

// ReviewCandidate is a pair that scored high but must not be merged
// without a curator.
type ReviewCandidate struct {
	A      common.HistoricalFigure `json:"a"`
	B      common.HistoricalFigure `json:"b"`
	Score  similarity.Score        `json:"score"`
	Reason string                  `json:"reason"`
}

// MergeProposal asks the merge executor to fold Duplicate into Primary.
type MergeProposal struct {
	Kind      store.Kind `json:"kind"`
	Primary   string     `json:"primary_id"`
	Duplicate string     `json:"duplicate_id"`
	QID       string     `json:"qid,omitempty"`
	Match     MatchKind  `json:"match"`
	Rationale string     `json:"rationale"`
	Score     float64    `json:"score"`
}

// Resolver finds duplicate figures and works. It reads the identity service
// but never writes to the graph.
type Resolver struct {
	identity      wikidata.ExternalIdentityService
	threshold     float64
	yearTolerance int
	languages     []string
}

// NewResolverParams configures a Resolver. Zero values take the defaults;
// a nil Identity disables the alias pass.
type NewResolverParams struct {
	Identity           wikidata.ExternalIdentityService
	FuzzyThreshold     float64
	BirthYearTolerance int
	AliasLanguages     []string
}

func NewResolver(params NewResolverParams) *Resolver {
	r := &Resolver{
		identity:      params.Identity,
		threshold:     params.FuzzyThreshold,
		yearTolerance: params.BirthYearTolerance,
		languages:     params.AliasLanguages,
	}
	if r.threshold <= 0 {
		r.threshold = DefaultFuzzyThreshold
	}
	if r.yearTolerance <= 0 {
		r.yearTolerance = DefaultBirthYearTolerance
	}
	if len(r.languages) == 0 {
		r.languages = wikidata.DefaultAliasLanguages
	}
	return r
}

func (r *Resolver) Threshold() float64 { return r.threshold }

// preferPrimary orders figures so the best primary comes first: Q-form
// canonical ids before provisional ones, then the smallest canonical id.
func preferPrimary(a, b common.HistoricalFigure) int {
	qa, qb := identity.IsQID(a.CanonicalID), identity.IsQID(b.CanonicalID)
	if qa != qb {
		if qa {
			return -1
		}
		return 1
	}
	return cmp.Compare(a.CanonicalID, b.CanonicalID)
}

func yearsApart(a, b common.HistoricalFigure, tolerance int) bool {
	if a.BirthYear == nil || b.BirthYear == nil {
		return false
	}
	d := *a.BirthYear - *b.BirthYear
	if d < 0 {
		d = -d
	}
	return d > tolerance
}

func fuzzyReason(score float64) string {
	return fmt.Sprintf("Fuzzy match %d%%", int(math.Round(score*100)))
}

func birthYearReason(a, b common.HistoricalFigure, tolerance int) string {
	return fmt.Sprintf("Birth years %d and %d differ by more than %d", *a.BirthYear, *b.BirthYear, tolerance)
}

// aliases returns the normalised names a Q-ID is known by, mapped to the
// alias as written.
func (r *Resolver) aliases(ctx context.Context, qid string) (map[string]string, error) {
	if r.identity == nil || qid == "" {
		return nil, nil
	}
	names, err := r.identity.FetchAliases(ctx, qid, r.languages)
	var nf *common.NotFoundError
	if errors.As(err, &nf) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch aliases of %s: %w", qid, err)
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		if k := util.NormalizeName(n); k != "" {
			if _, ok := out[k]; !ok {
				out[k] = n
			}
		}
	}
	return out, nil
}

// FindClusters groups figures in three passes: shared Q-ID, Wikidata alias
// and fuzzy name match. A figure joins at most one cluster. High-scoring
// pairs whose birth years are too far apart are returned for review
// instead.
func (r *Resolver) FindClusters(ctx context.Context, figures []common.HistoricalFigure) ([]DuplicateCluster, []ReviewCandidate, error) {
	processed := make([]bool, len(figures))
	var clusters []DuplicateCluster
	var review []ReviewCandidate

	// Q-ID pass.
	groups := map[string][]int{}
	var qids []string
	for i, f := range figures {
		q := realQID(f)
		if q == "" {
			continue
		}
		if _, ok := groups[q]; !ok {
			qids = append(qids, q)
		}
		groups[q] = append(groups[q], i)
	}
	for _, q := range qids {
		members := groups[q]
		if len(members) < 2 {
			continue
		}
		slices.SortStableFunc(members, func(a, b int) int { return preferPrimary(figures[a], figures[b]) })
		c := DuplicateCluster{Primary: figures[members[0]]}
		for _, m := range members[1:] {
			c.Duplicates = append(c.Duplicates, ClusterMember{
				Figure: figures[m],
				Match:  MatchIdentity,
				Reason: fmt.Sprintf("Same Wikidata ID %s", q),
				Score:  1,
			})
		}
		for _, m := range members {
			processed[m] = true
		}
		clusters = append(clusters, c)
	}

	// Alias pass.
	for i, f := range figures {
		if processed[i] {
			continue
		}
		names, err := r.aliases(ctx, realQID(f))
		if err != nil {
			return nil, nil, err
		}
		if len(names) == 0 {
			continue
		}
		if k := util.NormalizeName(f.Name); k != "" {
			if _, ok := names[k]; !ok {
				names[k] = f.Name
			}
		}
		c := DuplicateCluster{Primary: f}
		for j, other := range figures {
			if j == i || processed[j] || conflictingQIDs(f, other) {
				continue
			}
			alias, ok := names[util.NormalizeName(other.Name)]
			if !ok {
				continue
			}
			processed[j] = true
			c.Duplicates = append(c.Duplicates, ClusterMember{
				Figure: other,
				Match:  MatchAlias,
				Reason: fmt.Sprintf("Matched Wikidata alias '%s'", alias),
				Score:  1,
			})
		}
		if len(c.Duplicates) > 0 {
			processed[i] = true
			clusters = append(clusters, c)
		}
	}

	// Fuzzy pass.
	for i := range figures {
		if processed[i] {
			continue
		}
		group := []int{i}
		members := map[int]similarity.Score{}
		for j := i + 1; j < len(figures); j++ {
			if processed[j] || conflictingQIDs(figures[i], figures[j]) {
				continue
			}
			s := similarity.Compare(figures[i].Name, figures[j].Name)
			if s.Combined <= r.threshold {
				continue
			}
			if yearsApart(figures[i], figures[j], r.yearTolerance) {
				review = append(review, ReviewCandidate{
					A:      figures[i],
					B:      figures[j],
					Score:  s,
					Reason: birthYearReason(figures[i], figures[j], r.yearTolerance),
				})
				continue
			}
			group = append(group, j)
			members[j] = s
		}
		if len(group) < 2 {
			continue
		}
		primary := i
		for _, g := range group {
			if realQID(figures[g]) != "" {
				primary = g
				break
			}
		}
		c := DuplicateCluster{Primary: figures[primary]}
		for _, g := range group {
			processed[g] = true
			if g == primary {
				continue
			}
			s, ok := members[g]
			if !ok {
				s = similarity.Compare(figures[primary].Name, figures[g].Name)
			}
			c.Duplicates = append(c.Duplicates, ClusterMember{
				Figure: figures[g],
				Match:  MatchFuzzy,
				Reason: fuzzyReason(s.Combined),
				Score:  s.Combined,
			})
		}
		clusters = append(clusters, c)
	}

	logger.Debug("[Resolver] Clusters found", "figures", len(figures), "clusters", len(clusters), "review", len(review))
	return clusters, review, nil
}

// Proposals flattens clusters into one merge proposal per duplicate.
func Proposals(clusters []DuplicateCluster) []MergeProposal {
	var out []MergeProposal
	for _, c := range clusters {
		for _, d := range c.Duplicates {
			out = append(out, MergeProposal{
				Kind:      store.KindFigure,
				Primary:   c.Primary.CanonicalID,
				Duplicate: d.Figure.CanonicalID,
				QID:       cmp.Or(realQID(c.Primary), realQID(d.Figure)),
				Match:     d.Match,
				Rationale: d.Reason,
				Score:     d.Score,
			})
		}
	}
	return out
}

// FigureResolution is the outcome of resolving one incoming figure.
type FigureResolution struct {
	Match     MatchKind
	Existing  *common.HistoricalFigure
	Reason    string
	Score     float64
	Review    []ReviewCandidate
	Ambiguous []common.HistoricalFigure
}

// Proposal returns the merge the resolution implies once incoming has been
// written, or nil. The Q-form figure wins; otherwise the existing one.
func (res *FigureResolution) Proposal(incoming common.HistoricalFigure) *MergeProposal {
	if res.Existing == nil || res.Match == MatchSame || res.Existing.CanonicalID == incoming.CanonicalID {
		return nil
	}
	primary, dup := *res.Existing, incoming
	if identity.IsQID(incoming.CanonicalID) && !identity.IsQID(primary.CanonicalID) {
		primary, dup = incoming, primary
	}
	return &MergeProposal{
		Kind:      store.KindFigure,
		Primary:   primary.CanonicalID,
		Duplicate: dup.CanonicalID,
		QID:       cmp.Or(realQID(primary), realQID(dup)),
		Match:     res.Match,
		Rationale: res.Reason,
		Score:     res.Score,
	}
}

// ResolveFigure runs the passes for one incoming figure against the index.
// Two or more fuzzy matches above the threshold make the result ambiguous.
func (r *Resolver) ResolveFigure(ctx context.Context, incoming common.HistoricalFigure, ix *FigureIndex) (*FigureResolution, error) {
	if existing, ok := ix.Get(incoming.CanonicalID); ok {
		return &FigureResolution{Match: MatchSame, Existing: &existing, Reason: "Same canonical id", Score: 1}, nil
	}
	candidates := ix.All()

	qid := realQID(incoming)
	if qid != "" {
		for _, f := range candidates {
			if realQID(f) == qid {
				return &FigureResolution{Match: MatchIdentity, Existing: &f, Reason: fmt.Sprintf("Same Wikidata ID %s", qid), Score: 1}, nil
			}
		}

		names, err := r.aliases(ctx, qid)
		if err != nil {
			return nil, err
		}
		for _, f := range candidates {
			if conflictingQIDs(incoming, f) {
				continue
			}
			if alias, ok := names[util.NormalizeName(f.Name)]; ok {
				return &FigureResolution{Match: MatchAlias, Existing: &f, Reason: fmt.Sprintf("Matched Wikidata alias '%s'", alias), Score: 1}, nil
			}
		}
	} else {
		res, err := r.resolveByKnownAliases(ctx, incoming, candidates)
		if res != nil || err != nil {
			return res, err
		}
	}

	res := &FigureResolution{}
	var best *common.HistoricalFigure
	var bestScore float64
	for _, f := range candidates {
		if conflictingQIDs(incoming, f) {
			continue
		}
		s := similarity.Compare(incoming.Name, f.Name)
		if s.Combined <= r.threshold {
			continue
		}
		if yearsApart(incoming, f, r.yearTolerance) {
			res.Review = append(res.Review, ReviewCandidate{A: f, B: incoming, Score: s, Reason: birthYearReason(f, incoming, r.yearTolerance)})
			continue
		}
		res.Ambiguous = append(res.Ambiguous, f)
		if best == nil || s.Combined > bestScore {
			best, bestScore = &f, s.Combined
		}
	}
	switch len(res.Ambiguous) {
	case 0:
		res.Ambiguous = nil
	case 1:
		res.Ambiguous = nil
		res.Match = MatchFuzzy
		res.Existing = best
		res.Score = bestScore
		res.Reason = fuzzyReason(bestScore)
	}
	return res, nil
}

// resolveByKnownAliases matches a figure without a Q-ID against the
// Wikidata aliases of the indexed figures that have one. More than one
// matching figure makes the result ambiguous.
func (r *Resolver) resolveByKnownAliases(ctx context.Context, incoming common.HistoricalFigure, candidates []common.HistoricalFigure) (*FigureResolution, error) {
	key := util.NormalizeName(incoming.Name)
	if r.identity == nil || key == "" {
		return nil, nil
	}
	var hits []common.HistoricalFigure
	var matched string
	for _, f := range candidates {
		qid := realQID(f)
		if qid == "" {
			continue
		}
		names, err := r.aliases(ctx, qid)
		if err != nil {
			return nil, err
		}
		alias, ok := names[key]
		if !ok {
			continue
		}
		if len(hits) == 0 {
			matched = alias
		}
		hits = append(hits, f)
	}
	switch len(hits) {
	case 0:
		return nil, nil
	case 1:
		return &FigureResolution{Match: MatchAlias, Existing: &hits[0], Reason: fmt.Sprintf("Matched Wikidata alias '%s'", matched), Score: 1}, nil
	default:
		return &FigureResolution{Ambiguous: hits}, nil
	}
}

// MediaResolution is the outcome of resolving one incoming work.
type MediaResolution struct {
	Existing *common.MediaWork
	// TitleCollisions share the normalised title but carry another Q-ID.
	TitleCollisions []common.MediaWork
}

// ResolveMedia matches a work by Q-ID. Equal titles with different Q-IDs
// are only reported, since editions and adaptations share titles.
func (r *Resolver) ResolveMedia(incoming common.MediaWork, ix *MediaIndex) *MediaResolution {
	res := &MediaResolution{}
	if w, ok := ix.ByQID(incoming.WikidataID); ok {
		res.Existing = &w
	}
	for _, w := range ix.ByTitle(incoming.Title) {
		if w.WikidataID != incoming.WikidataID && !strings.EqualFold(w.MediaID, incoming.MediaID) {
			res.TitleCollisions = append(res.TitleCollisions, w)
		}
	}
	return res
}
