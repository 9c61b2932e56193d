package graph

import (
	"context"
	"testing"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/identity"
	"github.com/gcquraishi/chronosgraph/pkg/wikidata"
)

func fig(id, name string) common.HistoricalFigure {
	f := common.HistoricalFigure{CanonicalID: id, Name: name}
	if identity.IsQID(id) {
		f.WikidataID = id
	}
	return f
}

func born(f common.HistoricalFigure, year int) common.HistoricalFigure {
	f.BirthYear = common.IntPtr(year)
	return f
}

func caesarService() *wikidata.StaticService {
	return wikidata.NewStaticService(wikidata.Entry{
		QID:       "Q1048",
		Label:     "Julius Caesar",
		Aliases:   []string{"Gaius Julius Caesar", "Caesar"},
		BirthYear: common.IntPtr(-100),
		DeathYear: common.IntPtr(-44),
	})
}

func TestFindClusters_SameQID(t *testing.T) {
	prov := fig("PROV:caesar-1700000000000", "C. Iulius Caesar")
	prov.WikidataID = "Q1048"
	figures := []common.HistoricalFigure{prov, fig("Q1048", "Julius Caesar"), fig("PROV:cleopatra-1700000000000", "Cleopatra")}

	clusters, review, err := NewResolver(NewResolverParams{}).FindClusters(context.Background(), figures)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(review) != 0 {
		t.Fatalf("expected no review candidates, got %v", review)
	}
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	c := clusters[0]
	if c.Primary.CanonicalID != "Q1048" {
		t.Fatalf("expected Q-form primary, got %s", c.Primary.CanonicalID)
	}
	if len(c.Duplicates) != 1 || c.Duplicates[0].Figure.CanonicalID != prov.CanonicalID {
		t.Fatalf("expected provisional duplicate, got %+v", c.Duplicates)
	}
	if got := c.Duplicates[0].Reason; got != "Same Wikidata ID Q1048" {
		t.Fatalf("expected identity reason, got %q", got)
	}
}

func TestFindClusters_Alias(t *testing.T) {
	figures := []common.HistoricalFigure{
		fig("Q1048", "Julius Caesar"),
		fig("PROV:gaius-julius-caesar-1700000000000", "Gaius Julius Caesar"),
	}
	r := NewResolver(NewResolverParams{Identity: caesarService()})

	clusters, _, err := r.FindClusters(context.Background(), figures)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 1 || len(clusters[0].Duplicates) != 1 {
		t.Fatalf("expected one alias cluster, got %+v", clusters)
	}
	d := clusters[0].Duplicates[0]
	if d.Match != MatchAlias {
		t.Fatalf("expected alias match, got %s", d.Match)
	}
	if d.Reason != "Matched Wikidata alias 'Gaius Julius Caesar'" {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
}

func TestFindClusters_AliasMatchesOwnName(t *testing.T) {
	figures := []common.HistoricalFigure{
		fig("Q1048", "Divus Iulius"),
		fig("PROV:divus-iulius-1700000000000", "Divus Iulius"),
	}
	r := NewResolver(NewResolverParams{Identity: caesarService()})

	clusters, _, err := r.FindClusters(context.Background(), figures)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 1 || len(clusters[0].Duplicates) != 1 {
		t.Fatalf("expected one cluster, got %+v", clusters)
	}
	if clusters[0].Primary.CanonicalID != "Q1048" {
		t.Fatalf("expected Q1048 as primary, got %s", clusters[0].Primary.CanonicalID)
	}
	if d := clusters[0].Duplicates[0]; d.Match != MatchAlias || d.Reason != "Matched Wikidata alias 'Divus Iulius'" {
		t.Fatalf("expected a match on the figure's own name, got %+v", d)
	}
}

func TestFindClusters_Fuzzy(t *testing.T) {
	figures := []common.HistoricalFigure{
		fig("PROV:stephen-king-1700000000000", "Stephen King"),
		fig("Q39829", "Steven King"),
	}

	clusters, _, err := NewResolver(NewResolverParams{}).FindClusters(context.Background(), figures)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	if clusters[0].Primary.CanonicalID != "Q39829" {
		t.Fatalf("expected member with Q-ID as primary, got %s", clusters[0].Primary.CanonicalID)
	}
	d := clusters[0].Duplicates[0]
	if d.Match != MatchFuzzy || d.Reason != "Fuzzy match 88%" {
		t.Fatalf("unexpected duplicate %+v", d)
	}

	props := Proposals(clusters)
	if len(props) != 1 || props[0].Primary != "Q39829" || props[0].Duplicate != "PROV:stephen-king-1700000000000" {
		t.Fatalf("unexpected proposals %+v", props)
	}
}

func TestFindClusters_ThresholdIsStrict(t *testing.T) {
	figures := []common.HistoricalFigure{
		fig("PROV:stephen-king-1700000000000", "Stephen King"),
		fig("Q39829", "Steven King"),
	}
	r := NewResolver(NewResolverParams{FuzzyThreshold: 0.95})

	clusters, _, err := r.FindClusters(context.Background(), figures)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 0 {
		t.Fatalf("expected no clusters above 0.95, got %+v", clusters)
	}
}

func TestFindClusters_BirthYearGuard(t *testing.T) {
	figures := []common.HistoricalFigure{
		born(fig("PROV:stephen-king-1700000000000", "Stephen King"), 1947),
		born(fig("PROV:steven-king-1700000000000", "Steven King"), 1890),
	}

	clusters, review, err := NewResolver(NewResolverParams{}).FindClusters(context.Background(), figures)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 0 {
		t.Fatalf("expected no clusters, got %+v", clusters)
	}
	if len(review) != 1 {
		t.Fatalf("expected 1 review candidate, got %d", len(review))
	}
	if review[0].Reason != "Birth years 1947 and 1890 differ by more than 20" {
		t.Fatalf("unexpected reason %q", review[0].Reason)
	}
}

func TestFindClusters_ConflictingQIDsNeverCluster(t *testing.T) {
	figures := []common.HistoricalFigure{fig("Q1", "Stephen King"), fig("Q2", "Steven King")}

	clusters, review, err := NewResolver(NewResolverParams{}).FindClusters(context.Background(), figures)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clusters) != 0 || len(review) != 0 {
		t.Fatalf("expected nothing, got clusters=%v review=%v", clusters, review)
	}
}

func TestResolveFigure(t *testing.T) {
	tests := []struct {
		name      string
		index     []common.HistoricalFigure
		incoming  common.HistoricalFigure
		match     MatchKind
		existing  string
		ambiguous int
		review    int
	}{
		{
			name:     "same canonical id",
			index:    []common.HistoricalFigure{fig("Q1048", "Julius Caesar")},
			incoming: fig("Q1048", "Caesar"),
			match:    MatchSame,
			existing: "Q1048",
		},
		{
			name: "wikidata id on a provisional figure",
			index: []common.HistoricalFigure{func() common.HistoricalFigure {
				f := fig("PROV:caesar-1700000000000", "Caesar")
				f.WikidataID = "Q1048"
				return f
			}()},
			incoming: fig("Q1048", "Julius Caesar"),
			match:    MatchIdentity,
			existing: "PROV:caesar-1700000000000",
		},
		{
			name:     "alias",
			index:    []common.HistoricalFigure{fig("PROV:gaius-julius-caesar-1700000000000", "Gaius Julius Caesar")},
			incoming: fig("Q1048", "Julius Caesar"),
			match:    MatchAlias,
			existing: "PROV:gaius-julius-caesar-1700000000000",
		},
		{
			name:     "provisional name is an alias of a known figure",
			index:    []common.HistoricalFigure{fig("Q1048", "Julius Caesar")},
			incoming: fig("PROV:gaius-julius-caesar-1700000000000", "Gaius Julius Caesar"),
			match:    MatchAlias,
			existing: "Q1048",
		},
		{
			name: "provisional name is an alias of two known figures",
			index: []common.HistoricalFigure{
				fig("Q1048", "Julius Caesar"),
				func() common.HistoricalFigure {
					f := fig("PROV:caesar-1700000000000", "Caesar")
					f.WikidataID = "Q1048"
					return f
				}(),
			},
			incoming:  fig("PROV:gaius-julius-caesar-1700000000000", "Gaius Julius Caesar"),
			ambiguous: 2,
		},
		{
			name:     "single fuzzy match",
			index:    []common.HistoricalFigure{fig("Q39829", "Steven King")},
			incoming: fig("PROV:stephen-king-1700000000000", "Stephen King"),
			match:    MatchFuzzy,
			existing: "Q39829",
		},
		{
			name: "ambiguous fuzzy match",
			index: []common.HistoricalFigure{
				fig("PROV:steven-king-1700000000001", "Steven King"),
				fig("PROV:steven-king-1700000000002", "Steven King"),
			},
			incoming:  fig("PROV:stephen-king-1700000000000", "Stephen King"),
			ambiguous: 2,
		},
		{
			name:     "birth year guard",
			index:    []common.HistoricalFigure{born(fig("Q39829", "Steven King"), 1890)},
			incoming: born(fig("PROV:stephen-king-1700000000000", "Stephen King"), 1947),
			review:   1,
		},
		{
			name:     "no match",
			index:    []common.HistoricalFigure{fig("Q1048", "Julius Caesar")},
			incoming: fig("PROV:vercingetorix-1700000000000", "Vercingetorix"),
		},
	}

	r := NewResolver(NewResolverParams{Identity: caesarService()})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix := NewFigureIndex()
			for _, f := range tt.index {
				ix.Add(f)
			}
			res, err := r.ResolveFigure(context.Background(), tt.incoming, ix)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Match != tt.match {
				t.Fatalf("expected match %q, got %q", tt.match, res.Match)
			}
			got := ""
			if res.Existing != nil {
				got = res.Existing.CanonicalID
			}
			if got != tt.existing {
				t.Fatalf("expected existing %q, got %q", tt.existing, got)
			}
			if len(res.Ambiguous) != tt.ambiguous {
				t.Fatalf("expected %d ambiguous, got %d", tt.ambiguous, len(res.Ambiguous))
			}
			if len(res.Review) != tt.review {
				t.Fatalf("expected %d review candidates, got %d", tt.review, len(res.Review))
			}
		})
	}
}

func TestFigureResolution_Proposal(t *testing.T) {
	existing := fig("PROV:gaius-julius-caesar-1700000000000", "Gaius Julius Caesar")
	incoming := fig("Q1048", "Julius Caesar")
	res := &FigureResolution{Match: MatchAlias, Existing: &existing, Reason: "Matched Wikidata alias 'Gaius Julius Caesar'", Score: 1}

	p := res.Proposal(incoming)
	if p == nil {
		t.Fatal("expected a proposal")
	}
	if p.Primary != "Q1048" || p.Duplicate != existing.CanonicalID {
		t.Fatalf("expected Q-form primary, got %s <- %s", p.Primary, p.Duplicate)
	}
	if p.QID != "Q1048" {
		t.Fatalf("expected QID Q1048, got %s", p.QID)
	}

	same := &FigureResolution{Match: MatchSame, Existing: &incoming}
	if same.Proposal(incoming) != nil {
		t.Fatal("expected no proposal for the same figure")
	}
}

func TestResolveMedia(t *testing.T) {
	ix := NewMediaIndex()
	ix.Add(common.MediaWork{MediaID: "MW_128758", WikidataID: "Q128758", Title: "Gladiator"})
	ix.Add(common.MediaWork{MediaID: "MW_999", WikidataID: "Q999", Title: "Gladiator "})
	r := NewResolver(NewResolverParams{})

	res := r.ResolveMedia(common.MediaWork{WikidataID: "Q128758", Title: "Gladiator"}, ix)
	if res.Existing == nil || res.Existing.MediaID != "MW_128758" {
		t.Fatalf("expected existing MW_128758, got %+v", res.Existing)
	}
	if len(res.TitleCollisions) != 1 || res.TitleCollisions[0].MediaID != "MW_999" {
		t.Fatalf("expected MW_999 title collision, got %+v", res.TitleCollisions)
	}

	res = r.ResolveMedia(common.MediaWork{WikidataID: "Q5", Title: "Spartacus"}, ix)
	if res.Existing != nil || len(res.TitleCollisions) != 0 {
		t.Fatalf("expected no match, got %+v", res)
	}
}
