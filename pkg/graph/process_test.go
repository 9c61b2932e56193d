package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcquraishi/chronosgraph/pkg/ai"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/provenance"
	"github.com/gcquraishi/chronosgraph/pkg/review"
	"github.com/gcquraishi/chronosgraph/pkg/store"
	"github.com/gcquraishi/chronosgraph/pkg/store/memory"
	"github.com/gcquraishi/chronosgraph/pkg/wikidata"
)

const vercingetorix = "PROV:vercingetorix-1700000000000"

func romeBatch() *common.Batch {
	return &common.Batch{
		Metadata: common.BatchMetadata{Source: "curated", Curator: "archivist", Date: "2026-03-01"},
		Figures: []common.HistoricalFigure{
			{CanonicalID: "Q1048", WikidataID: "Q1048", Name: "Julius Caesar", HistoricityStatus: "historical"},
			{CanonicalID: vercingetorix, Name: "Vercingetorix"},
		},
		Works: []common.MediaWork{
			{WikidataID: "Q128758", Title: "Gladiator", MediaType: "film"},
		},
		Characters: []common.FictionalCharacter{
			{CharID: "lucius-verus", Name: "Lucius Verus", MediaID: "MW_128758", RoleType: "Supporting"},
		},
		Interactions: []common.Interaction{
			{FromID: "Q1048", FromType: "figure", ToID: "Q128758", ToType: "media", RelType: "appears_in", Properties: map[string]any{"sentiment": "complex", "is_protagonist": false}},
			{FromID: "Q1048", FromType: "figure", ToID: vercingetorix, ToType: "figure", RelType: "INTERACTED_WITH"},
		},
	}
}

func romeCatalogue() *wikidata.StaticService {
	return wikidata.NewStaticService(
		wikidata.Entry{QID: "Q1048", Label: "Julius Caesar", Description: "Roman statesman", Aliases: []string{"Gaius Julius Caesar"}, BirthYear: common.IntPtr(-100), DeathYear: common.IntPtr(-44)},
		wikidata.Entry{QID: "Q128758", Label: "Gladiator", Description: "2000 film by Ridley Scott", PublicationYear: common.IntPtr(2000)},
	)
}

type ingestFixture struct {
	store *memory.Store
	wd    *wikidata.StaticService
}

func newIngestFixture(t *testing.T) *ingestFixture {
	return &ingestFixture{store: newTestStore(t), wd: romeCatalogue()}
}

func (fx *ingestFixture) context(opts ...func(*IngestionContext)) IngestionContext {
	ic := IngestionContext{
		Store:    fx.store,
		Identity: fx.wd,
		Agent:    common.Agent{AgentID: "batch-importer", Name: "Batch importer", Type: common.AgentAutomated},
		BatchID:  "batch-test",
		Now:      fixedClock,
	}
	for _, o := range opts {
		o(&ic)
	}
	return ic
}

func (fx *ingestFixture) ingest(t *testing.T, b *common.Batch, opts ...func(*IngestionContext)) *BatchResult {
	t.Helper()
	res, err := Ingest(context.Background(), fx.context(opts...), b)
	require.NoError(t, err)
	return res
}

func executeMerges(ic *IngestionContext)  { ic.ExecuteMerges = true }
func skipEnrichment(ic *IngestionContext) { ic.SkipEnrichment = true }

func states(res *BatchResult) []State {
	out := make([]State, 0, len(res.Records))
	for _, r := range res.Records {
		out = append(out, r.State)
	}
	return out
}

func TestIngest_CleanBatch(t *testing.T) {
	fx := newIngestFixture(t)
	ctx := context.Background()

	res := fx.ingest(t, romeBatch())
	assert.False(t, res.Aborted)
	assert.Equal(t, 6, res.Summary.ByState[StateCommitted], "records: %+v", res.Records)
	assert.Empty(t, res.Failed())

	caesar := nodeOf(t, fx.store, store.KindFigure, "Q1048")
	assert.Equal(t, common.IntPtr(-100), caesar.Props.IntPtr("birth_year"), "filled from Wikidata")
	assert.Equal(t, "curated", caesar.Props.Str("ingestion_source"))
	assert.Equal(t, "batch-test", caesar.Props.Str("ingestion_batch"))

	created := edgesOf(t, fx.store, store.EdgeCreatedBy, caesar.Handle)
	require.Len(t, created, 1)
	assert.Equal(t, "batch-importer", created[0].To.Key)
	assert.Equal(t, "wikidata_enriched", created[0].Props.Str("method"))
	assert.Equal(t, "bulk_ingestion", created[0].Props.Str("context"))
	assert.Equal(t, "batch-test", created[0].Props.Str("batch_id"))

	prov := nodeOf(t, fx.store, store.KindFigure, vercingetorix)
	provCreated := edgesOf(t, fx.store, store.EdgeCreatedBy, prov.Handle)
	require.Len(t, provCreated, 1)
	assert.Equal(t, "manual_provisional", provCreated[0].Props.Str("method"))

	work := nodeOf(t, fx.store, store.KindMedia, "MW_128758")
	assert.Equal(t, common.IntPtr(2000), work.Props.IntPtr("release_year"))
	assert.Equal(t, "2000 film by Ridley Scott", work.Props.Str("description"))

	char := nodeOf(t, fx.store, store.KindCharacter, "lucius-verus")
	assert.Equal(t, "MW_128758", char.Props.Str("media_id"))

	appears := edgesOf(t, fx.store, store.EdgeAppearsIn, caesar.Handle)
	require.Len(t, appears, 1)
	assert.Equal(t, "MW_128758", appears[0].To.Key)
	assert.Equal(t, "Complex", appears[0].Props.Str("sentiment"))
	assert.Equal(t, "user_generated", appears[0].Props.Str("method"))
	assert.Equal(t, "bulk_ingestion", appears[0].Props.Str("context"))
	assert.NotEmpty(t, appears[0].Props.Str("timestamp"))

	interacted, err := fx.store.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeInteractedWith})
	require.NoError(t, err)
	assert.Len(t, interacted, 1)

	audit, err := provenance.Audit(ctx, fx.store)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 4}, audit)

	require.Len(t, res.Flags, 1, "Vercingetorix has no Wikidata match")
	assert.Equal(t, review.ReasonNoMatches, res.Flags[0].Reason)
	assert.Equal(t, vercingetorix, res.Flags[0].Subject)
}

// forumBatch has twenty records across every section.
func forumBatch() *common.Batch {
	b := romeBatch()
	for _, f := range []struct{ id, name string }{
		{"PROV:cleopatra-1700000000000", "Cleopatra"},
		{"PROV:mark-antony-1700000000000", "Mark Antony"},
		{"PROV:pompey-1700000000000", "Pompey"},
		{"PROV:cicero-1700000000000", "Cicero"},
		{"PROV:brutus-1700000000000", "Brutus"},
		{"PROV:octavian-1700000000000", "Octavian"},
	} {
		b.Figures = append(b.Figures, common.HistoricalFigure{CanonicalID: f.id, Name: f.name})
	}
	b.Works = append(b.Works,
		common.MediaWork{WikidataID: "Q165399", Title: "Rome", MediaType: "tv_series"},
		common.MediaWork{WikidataID: "Q215750", Title: "Julius Caesar", MediaType: "play"},
		common.MediaWork{WikidataID: "Q326676", Title: "Antony and Cleopatra", MediaType: "play"},
	)
	b.Characters = append(b.Characters,
		common.FictionalCharacter{CharID: "titus-pullo", Name: "Titus Pullo", MediaID: "MW_165399", RoleType: "Protagonist"},
		common.FictionalCharacter{CharID: "lucius-vorenus", Name: "Lucius Vorenus", MediaID: "MW_165399", RoleType: "Protagonist"},
		common.FictionalCharacter{CharID: "soothsayer", Name: "Soothsayer", MediaID: "MW_215750", RoleType: "Cameo"},
	)
	b.Interactions = append(b.Interactions,
		common.Interaction{FromID: "PROV:cleopatra-1700000000000", FromType: "figure", ToID: "Q326676", ToType: "media", RelType: "APPEARS_IN"},
		common.Interaction{FromID: "PROV:mark-antony-1700000000000", FromType: "figure", ToID: "PROV:cleopatra-1700000000000", ToType: "figure", RelType: "INTERACTED_WITH"},
	)
	return b
}

// withoutTimes drops the properties that hold a timestamp.
func withoutTimes(p store.Props) store.Props {
	out := store.Props{}
	for k, v := range p {
		switch x := v.(type) {
		case time.Time:
			continue
		case string:
			if _, err := time.Parse(time.RFC3339Nano, x); err == nil {
				continue
			}
		}
		out[k] = v
	}
	return out
}

func graphState(s *memory.Store) ([]store.Node, []store.Edge) {
	nodes, edges := s.Dump()
	for i := range nodes {
		nodes[i].Props = withoutTimes(nodes[i].Props)
	}
	for i := range edges {
		edges[i].Props = withoutTimes(edges[i].Props)
	}
	return nodes, edges
}

func TestIngest_Idempotent(t *testing.T) {
	fx := newIngestFixture(t)
	batch := forumBatch()
	require.Equal(t, 20, batch.Size())

	first := fx.ingest(t, batch)
	require.Equal(t, 20, first.Summary.ByState[StateCommitted], "records: %+v", first.Records)
	nodes, edges := graphState(fx.store)
	created := edgesOf(t, fx.store, store.EdgeCreatedBy, store.NewHandle(store.KindFigure, "Q1048"))
	require.Len(t, created, 1)

	later := func(ic *IngestionContext) {
		ic.BatchID = "batch-rerun"
		ic.Now = func() time.Time { return testNow.Add(24 * time.Hour) }
	}
	res := fx.ingest(t, forumBatch(), later)
	assert.Equal(t, 20, res.Summary.ByState[StateCommitted])
	assert.Equal(t, 0, res.Summary.NewFlags)
	assert.Empty(t, res.Proposals)

	nodes2, edges2 := graphState(fx.store)
	assert.Equal(t, nodes, nodes2)
	assert.Equal(t, edges, edges2)

	again := edgesOf(t, fx.store, store.EdgeCreatedBy, store.NewHandle(store.KindFigure, "Q1048"))
	require.Len(t, again, 1)
	assert.Equal(t, created[0].Props.Str("timestamp"), again[0].Props.Str("timestamp"))
	assert.Equal(t, "batch-test", again[0].Props.Str("batch_id"))

	caesar := nodeOf(t, fx.store, store.KindFigure, "Q1048")
	assert.Equal(t, "batch-test", caesar.Props.Str("ingestion_batch"), "first ingestion is kept")
}

func TestIngest_FuzzyMatchProposesMerge(t *testing.T) {
	batch := &common.Batch{
		Metadata: common.BatchMetadata{Source: "curated", Curator: "archivist", Date: "2026-03-01"},
		Figures:  []common.HistoricalFigure{{CanonicalID: "PROV:stephen-king-1700000000000", Name: "Stephen King"}},
	}

	t.Run("logged only", func(t *testing.T) {
		fx := newIngestFixture(t)
		putFigure(t, fx.store, fig("Q39829", "Steven King"), "")

		res := fx.ingest(t, batch, skipEnrichment)
		require.Len(t, res.Proposals, 1)
		p := res.Proposals[0]
		assert.Equal(t, "Q39829", p.Primary)
		assert.Equal(t, "PROV:stephen-king-1700000000000", p.Duplicate)
		assert.Equal(t, "Fuzzy match 88%", p.Rationale)
		assert.Equal(t, 1, res.Summary.Merges[MergeDryRun])

		nodeOf(t, fx.store, store.KindFigure, "PROV:stephen-king-1700000000000")
	})

	t.Run("executed", func(t *testing.T) {
		fx := newIngestFixture(t)
		putFigure(t, fx.store, fig("Q39829", "Steven King"), "")

		res := fx.ingest(t, batch, skipEnrichment, executeMerges)
		assert.Equal(t, 1, res.Summary.Merges[MergeMerged])

		_, err := fx.store.GetNode(context.Background(), store.NewHandle(store.KindFigure, "PROV:stephen-king-1700000000000"))
		assert.ErrorIs(t, err, store.ErrNodeNotFound)
		n := nodeOf(t, fx.store, store.KindFigure, "Q39829")
		assert.Equal(t, "PROV:stephen-king-1700000000000", n.Props.Str("provisional_id"))
		assert.Len(t, edgesOf(t, fx.store, store.EdgeCreatedBy, n.Handle), 1, "the duplicate's attribution moves over")
	})
}

func TestIngest_AliasMatchMergesProvisional(t *testing.T) {
	fx := newIngestFixture(t)
	old := putFigure(t, fx.store, fig("PROV:gaius-julius-caesar-1700000000000", "Gaius Julius Caesar"), "")
	gladiator := putWork(t, fx.store, common.MediaWork{MediaID: "MW_128758", WikidataID: "Q128758", Title: "Gladiator"})
	link(t, fx.store, store.EdgeAppearsIn, old, gladiator, store.Props{"sentiment": "Heroic"})

	batch := &common.Batch{
		Metadata: common.BatchMetadata{Source: "curated", Curator: "archivist", Date: "2026-03-01"},
		Figures:  []common.HistoricalFigure{{CanonicalID: "Q1048", Name: "Julius Caesar"}},
	}
	res := fx.ingest(t, batch, executeMerges)

	require.Len(t, res.Proposals, 1)
	assert.Equal(t, MatchAlias, res.Proposals[0].Match)
	assert.Equal(t, "Matched Wikidata alias 'Gaius Julius Caesar'", res.Proposals[0].Rationale)
	assert.Equal(t, "Q1048", res.Proposals[0].Primary)

	caesar := nodeOf(t, fx.store, store.KindFigure, "Q1048")
	assert.Equal(t, "PROV:gaius-julius-caesar-1700000000000", caesar.Props.Str("provisional_id"))
	assert.Len(t, edgesOf(t, fx.store, store.EdgeAppearsIn, caesar.Handle), 1, "edges follow the merge")
}

func TestIngest_ProvisionalAliasOfKnownFigure(t *testing.T) {
	fx := newIngestFixture(t)
	putFigure(t, fx.store, fig("Q1048", "Julius Caesar"), "")

	batch := &common.Batch{
		Metadata: common.BatchMetadata{Source: "curated", Curator: "archivist", Date: "2026-03-01"},
		Figures:  []common.HistoricalFigure{{CanonicalID: "PROV:gaius-julius-caesar-1700000000000", Name: "Gaius Julius Caesar"}},
	}

	t.Run("logged only", func(t *testing.T) {
		res := fx.ingest(t, batch, skipEnrichment)
		assert.Equal(t, []State{StateCommitted}, states(res))
		require.Len(t, res.Proposals, 1)
		p := res.Proposals[0]
		assert.Equal(t, MatchAlias, p.Match)
		assert.Equal(t, "Q1048", p.Primary)
		assert.Equal(t, "PROV:gaius-julius-caesar-1700000000000", p.Duplicate)
		assert.Equal(t, "Matched Wikidata alias 'Gaius Julius Caesar'", p.Rationale)
	})

	t.Run("executed", func(t *testing.T) {
		fx := newIngestFixture(t)
		putFigure(t, fx.store, fig("Q1048", "Julius Caesar"), "")

		res := fx.ingest(t, batch, skipEnrichment, executeMerges)
		assert.Equal(t, 1, res.Summary.Merges[MergeMerged])
		_, err := fx.store.GetNode(context.Background(), store.NewHandle(store.KindFigure, "PROV:gaius-julius-caesar-1700000000000"))
		assert.ErrorIs(t, err, store.ErrNodeNotFound)
		n := nodeOf(t, fx.store, store.KindFigure, "Q1048")
		assert.Equal(t, "PROV:gaius-julius-caesar-1700000000000", n.Props.Str("provisional_id"))
	})
}

func TestIngest_WorkWithoutQIDIsRejected(t *testing.T) {
	fx := newIngestFixture(t)
	batch := &common.Batch{
		Metadata: common.BatchMetadata{Source: "curated", Curator: "archivist", Date: "2026-03-01"},
		Figures:  []common.HistoricalFigure{{CanonicalID: "Q1048", Name: "Julius Caesar"}},
		Works:    []common.MediaWork{{Title: "Untitled Caesar Project"}},
	}

	res := fx.ingest(t, batch)
	assert.Equal(t, []State{StateCommitted, StateRejected}, states(res))
	assert.Contains(t, res.Records[1].Messages, "works[0].wikidata_id is required")

	nodes, err := fx.store.FindNodes(context.Background(), store.KindMedia, nil)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestIngest_AmbiguousFigureIsDeferred(t *testing.T) {
	fx := newIngestFixture(t)
	putFigure(t, fx.store, fig("PROV:steven-king-1700000000001", "Steven King"), "")
	putFigure(t, fx.store, fig("PROV:steven-king-1700000000002", "Steven King"), "")
	putWork(t, fx.store, common.MediaWork{MediaID: "MW_128758", WikidataID: "Q128758", Title: "Gladiator"})

	batch := &common.Batch{
		Metadata: common.BatchMetadata{Source: "curated", Curator: "archivist", Date: "2026-03-01"},
		Figures:  []common.HistoricalFigure{{CanonicalID: "PROV:stephen-king-1700000000000", Name: "Stephen King"}},
		Interactions: []common.Interaction{
			{FromID: "PROV:stephen-king-1700000000000", FromType: "figure", ToID: "MW_128758", ToType: "media", RelType: "APPEARS_IN"},
		},
	}
	res := fx.ingest(t, batch, skipEnrichment)
	assert.Equal(t, []State{StateDeferred, StateRejected}, states(res))
	assert.Contains(t, res.Records[0].Error, "2 candidates")

	_, err := fx.store.GetNode(context.Background(), store.NewHandle(store.KindFigure, "PROV:stephen-king-1700000000000"))
	assert.ErrorIs(t, err, store.ErrNodeNotFound)

	flags, err := review.New(fx.store).List(context.Background(), store.KindFlaggedFigure, review.StatusPending)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, review.ReasonMultipleMatches, flags[0].Props.Str("reason"))
	assert.Len(t, flags[0].Props.Strings("candidates"), 2)
}

func TestIngest_BirthYearGuardFlags(t *testing.T) {
	fx := newIngestFixture(t)
	putFigure(t, fx.store, born(fig("Q39829", "Steven King"), 1890), "")

	batch := &common.Batch{
		Metadata: common.BatchMetadata{Source: "curated", Curator: "archivist", Date: "2026-03-01"},
		Figures:  []common.HistoricalFigure{{CanonicalID: "PROV:stephen-king-1700000000000", Name: "Stephen King", BirthYear: common.IntPtr(1947)}},
	}
	res := fx.ingest(t, batch, skipEnrichment, executeMerges)

	assert.Equal(t, []State{StateCommitted}, states(res))
	assert.Empty(t, res.Proposals)
	require.Len(t, res.Review, 1)
	require.Len(t, res.Flags, 1)
	assert.Equal(t, review.ReasonBirthYearGuard, res.Flags[0].Reason)
	nodeOf(t, fx.store, store.KindFigure, "Q39829")
	nodeOf(t, fx.store, store.KindFigure, "PROV:stephen-king-1700000000000")
}

func TestIngest_SearchPromotesProvisional(t *testing.T) {
	fx := newIngestFixture(t)
	fx.ingest(t, romeBatch())
	fx.wd.Add(wikidata.Entry{QID: "Q211245", Label: "Vercingetorix", Description: "Gaulish king"})

	batch := &common.Batch{
		Metadata: common.BatchMetadata{Source: "curated", Curator: "archivist", Date: "2026-03-02"},
		Figures:  []common.HistoricalFigure{{CanonicalID: vercingetorix, Name: "Vercingetorix"}},
	}
	res := fx.ingest(t, batch, executeMerges, func(ic *IngestionContext) { ic.BatchID = "batch-promote" })
	assert.Equal(t, "Q211245", res.Records[0].ID)
	assert.Equal(t, 1, res.Summary.Merges[MergeMerged])

	_, err := fx.store.GetNode(context.Background(), store.NewHandle(store.KindFigure, vercingetorix))
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
	n := nodeOf(t, fx.store, store.KindFigure, "Q211245")
	assert.Equal(t, vercingetorix, n.Props.Str("provisional_id"))
	assert.Len(t, edgesOf(t, fx.store, store.EdgeCreatedBy, n.Handle), 1)

	others, err := fx.store.FindEdges(context.Background(), store.EdgeFilter{Kind: store.EdgeInteractedWith, Node: &n.Handle})
	require.NoError(t, err)
	assert.Len(t, others, 1, "the interaction with Caesar moved to the promoted figure")
}

func TestIngest_DryRunWritesNothing(t *testing.T) {
	fx := newIngestFixture(t)

	res := fx.ingest(t, romeBatch(), func(ic *IngestionContext) { ic.DryRun = true })
	assert.True(t, res.DryRun)
	assert.Equal(t, 6, res.Summary.ByState[StateCommitted])

	nodes, edges := fx.store.Dump()
	assert.Empty(t, nodes)
	assert.Empty(t, edges)
}

// savepointlessStore makes the CREATED_BY write of failFrom fail. With
// join set, nested transactions join the outer one and, as on a server that
// terminates a transaction on its first error, every later call fails.
type savepointlessStore struct {
	store.GraphStorage
	failFrom string
	join     bool
	nested   bool
	aborted  *bool
}

func (s *savepointlessStore) on(tx store.GraphStorage) *savepointlessStore {
	c := *s
	c.GraphStorage = tx
	c.nested = true
	return &c
}

func (s *savepointlessStore) check() error {
	if s.nested && *s.aborted {
		return errors.New("transaction has been terminated")
	}
	return nil
}

func (s *savepointlessStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.GraphStorage) error) error {
	switch {
	case !s.nested:
		*s.aborted = false
		return store.RolledBack(s.GraphStorage.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
			return fn(ctx, s.on(tx))
		}))
	case !s.join:
		return s.GraphStorage.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
			return fn(ctx, s.on(tx))
		})
	}
	if err := s.check(); err != nil {
		return store.AbortTx(err)
	}
	if err := fn(ctx, s); err != nil {
		*s.aborted = true
		return store.AbortTx(err)
	}
	return nil
}

func (s *savepointlessStore) UpsertNode(ctx context.Context, kind store.Kind, keyProp string, props store.Props) (store.Handle, error) {
	if err := s.check(); err != nil {
		return store.Handle{}, err
	}
	return s.GraphStorage.UpsertNode(ctx, kind, keyProp, props)
}

func (s *savepointlessStore) GetNode(ctx context.Context, h store.Handle) (*store.Node, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.GraphStorage.GetNode(ctx, h)
}

func (s *savepointlessStore) FindNodes(ctx context.Context, kind store.Kind, filter store.Filter) ([]store.Node, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.GraphStorage.FindNodes(ctx, kind, filter)
}

func (s *savepointlessStore) UpsertEdge(ctx context.Context, kind store.EdgeKind, from, to store.Handle, props store.Props, idempotent bool) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	if kind == store.EdgeCreatedBy && from.Key == s.failFrom {
		return false, errors.New("constraint violated")
	}
	return s.GraphStorage.UpsertEdge(ctx, kind, from, to, props, idempotent)
}

func TestIngest_DryRunIsolatesFailedRecords(t *testing.T) {
	want := []State{StateCommitted, StateErrored, StateCommitted, StateCommitted, StateCommitted, StateRejected}
	tests := []struct {
		name   string
		join   bool
		dryRun bool
	}{
		{"execute", false, false},
		{"execute without savepoints", true, false},
		{"dry run with savepoints", false, true},
		{"dry run without savepoints", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newIngestFixture(t)
			s := &savepointlessStore{GraphStorage: fx.store, failFrom: vercingetorix, join: tt.join, aborted: new(bool)}

			res := fx.ingest(t, romeBatch(), func(ic *IngestionContext) {
				ic.Store = s
				ic.DryRun = tt.dryRun
			})
			assert.False(t, res.Aborted)
			assert.Equal(t, want, states(res), "records: %+v", res.Records)
			assert.Equal(t, 4, res.Summary.ByState[StateCommitted])
			assert.Empty(t, res.Flags, "the failed record's flag is rolled back with it")

			nodes, edges := fx.store.Dump()
			if tt.dryRun {
				assert.Empty(t, nodes)
				assert.Empty(t, edges)
				return
			}
			_, err := fx.store.GetNode(context.Background(), store.NewHandle(store.KindFigure, vercingetorix))
			assert.ErrorIs(t, err, store.ErrNodeNotFound)
		})
	}
}

func TestIngest_BatchLevelFailures(t *testing.T) {
	t.Run("invalid metadata", func(t *testing.T) {
		fx := newIngestFixture(t)
		b := romeBatch()
		b.Metadata.Source = ""

		res, err := Ingest(context.Background(), fx.context(), b)
		var verr *common.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.True(t, res.Aborted)
		nodes, _ := fx.store.Dump()
		assert.Empty(t, nodes)
	})

	t.Run("strict mode", func(t *testing.T) {
		fx := newIngestFixture(t)
		b := romeBatch()
		b.Works[0].WikidataID = ""

		_, err := Ingest(context.Background(), fx.context(func(ic *IngestionContext) { ic.Strict = true }), b)
		require.Error(t, err)
		nodes, _ := fx.store.Dump()
		assert.Empty(t, nodes)
	})

	t.Run("store unreachable", func(t *testing.T) {
		fx := newIngestFixture(t)
		fx.store.SetUnavailable(errors.New("connection refused"))

		_, err := Ingest(context.Background(), fx.context(), romeBatch())
		assert.True(t, common.IsStoreUnavailable(err))
	})

	t.Run("store lost mid batch", func(t *testing.T) {
		fx := newIngestFixture(t)
		fx.store.FailEdges(store.EdgeCreatedBy, &common.StoreUnavailableError{Err: errors.New("broken pipe")})

		res, err := Ingest(context.Background(), fx.context(), romeBatch())
		assert.True(t, common.IsStoreUnavailable(err))
		assert.True(t, res.Aborted)
		require.Len(t, res.Records, 1)
		assert.Equal(t, StateErrored, res.Records[0].State)
	})
}

func TestIngest_EnrichmentOutageErrorsRecords(t *testing.T) {
	fx := newIngestFixture(t)
	fx.wd.Err = &common.TransientExternalError{Code: common.CodeTimeout}
	b := romeBatch()
	b.Characters, b.Interactions = nil, nil

	res := fx.ingest(t, b)
	assert.False(t, res.Aborted)
	assert.Equal(t, []State{StateErrored, StateErrored, StateErrored}, states(res))
}

type fakeNarrative struct {
	n   *ai.Narrative
	err error
}

func (f fakeNarrative) EnrichWork(context.Context, common.MediaWork) (*ai.Narrative, error) {
	return f.n, f.err
}

func TestIngest_NarrativeEraTags(t *testing.T) {
	suggestions := fakeNarrative{n: &ai.Narrative{
		Summary: "A general becomes a gladiator.",
		EraTags: []ai.EraSuggestion{{Name: "Roman Empire", Confidence: 0.9}, {Name: "Late Antiquity", Confidence: 0.3}},
	}}
	gladiator := func(tags ...common.EraTag) *common.Batch {
		return &common.Batch{
			Metadata: common.BatchMetadata{Source: "curated", Curator: "archivist", Date: "2026-03-01"},
			Works:    []common.MediaWork{{WikidataID: "Q128758", Title: "Gladiator", EraTags: tags}},
		}
	}
	withNarrative := func(n ai.NarrativeEnrichmentService) func(*IngestionContext) {
		return func(ic *IngestionContext) { ic.Narrative = n }
	}

	t.Run("suggestions above threshold are tagged", func(t *testing.T) {
		fx := newIngestFixture(t)
		fx.ingest(t, gladiator(), withNarrative(suggestions))

		tags := edgesOf(t, fx.store, store.EdgeTaggedWith, store.NewHandle(store.KindMedia, "MW_128758"))
		require.Len(t, tags, 1)
		assert.Equal(t, "Roman Empire", tags[0].To.Key)
		assert.Equal(t, "ai_inferred", tags[0].Props.Str("source"))
		assert.Equal(t, "batch-importer", tags[0].Props.Str("added_by"))
	})

	t.Run("curated tags win and the override is flagged", func(t *testing.T) {
		fx := newIngestFixture(t)
		res := fx.ingest(t, gladiator(common.EraTag{Name: "Renaissance", Confidence: 1}), withNarrative(suggestions))

		tags := edgesOf(t, fx.store, store.EdgeTaggedWith, store.NewHandle(store.KindMedia, "MW_128758"))
		require.Len(t, tags, 1)
		assert.Equal(t, "Renaissance", tags[0].To.Key)
		assert.Equal(t, "user_added", tags[0].Props.Str("source"))

		require.Len(t, res.Flags, 1)
		assert.Equal(t, store.KindFlaggedEra, res.Flags[0].Kind)
	})

	t.Run("failure only warns", func(t *testing.T) {
		fx := newIngestFixture(t)
		res := fx.ingest(t, gladiator(), withNarrative(fakeNarrative{err: errors.New("model overloaded")}))

		assert.Equal(t, []State{StateCommitted}, states(res))
		assert.NotEmpty(t, res.Records[0].Messages)
	})
}

func TestInteractionProps(t *testing.T) {
	p := &processor{ic: IngestionContext{Now: fixedClock, Context: common.ContextAPI, BatchID: "b1"}}

	props, err := p.interactionProps(map[string]any{"sentiment": "villainous", "context": "Battle of Alesia", "role": "rival"})
	require.NoError(t, err)
	assert.Equal(t, "Villainous", props["sentiment"])
	assert.Equal(t, "api", props["context"])
	assert.Equal(t, "Battle of Alesia", props["interaction_context"])
	assert.Equal(t, "rival", props["role"])
	assert.Equal(t, "user_generated", props["method"])

	_, err = p.interactionProps(map[string]any{"Bad Key": 1})
	var verr *common.ValidationError
	assert.ErrorAs(t, err, &verr)
}
