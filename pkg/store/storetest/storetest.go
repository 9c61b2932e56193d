// Package storetest is a behavioural suite every GraphStorage adapter runs
// in its own tests.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

// Factory returns an empty store. The suite closes nothing; cleanup belongs
// to the factory.
type Factory func(t *testing.T) store.GraphStorage

func Run(t *testing.T, newStore Factory) {
	t.Run("UpsertNode fills missing only", func(t *testing.T) { testUpsertNode(t, newStore(t)) })
	t.Run("UpdateNode removes and rekeys", func(t *testing.T) { testUpdateNode(t, newStore(t)) })
	t.Run("unique media wikidata_id", func(t *testing.T) { testUniqueProps(t, newStore(t)) })
	t.Run("UpsertEdge dedupes endpoints", func(t *testing.T) { testUpsertEdge(t, newStore(t)) })
	t.Run("symmetric edges", func(t *testing.T) { testSymmetricEdge(t, newStore(t)) })
	t.Run("RedirectEdges", func(t *testing.T) { testRedirectEdges(t, newStore(t)) })
	t.Run("DeleteEdge", func(t *testing.T) { testDeleteEdge(t, newStore(t)) })
	t.Run("DeleteNode detaches", func(t *testing.T) { testDeleteNode(t, newStore(t)) })
	t.Run("FindNodes filters", func(t *testing.T) { testFindNodes(t, newStore(t)) })
	t.Run("FindNodesMissingEdge", func(t *testing.T) { testMissingEdge(t, newStore(t)) })
	t.Run("WithTx rolls back", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("unknown kinds rejected", func(t *testing.T) { testUnknownKinds(t, newStore(t)) })
}

func figure(t *testing.T, s store.GraphStorage, id, name string) store.Handle {
	t.Helper()
	h, err := s.UpsertNode(context.Background(), store.KindFigure, "canonical_id", store.Props{"canonical_id": id, "name": name})
	require.NoError(t, err)
	return h
}

func work(t *testing.T, s store.GraphStorage, mediaID, qid, title string) store.Handle {
	t.Helper()
	h, err := s.UpsertNode(context.Background(), store.KindMedia, "media_id", store.Props{"media_id": mediaID, "wikidata_id": qid, "title": title})
	require.NoError(t, err)
	return h
}

func testUpsertNode(t *testing.T, s store.GraphStorage) {
	ctx := context.Background()
	h, err := s.UpsertNode(ctx, store.KindFigure, "canonical_id", store.Props{
		"canonical_id": "Q1048", "name": "Julius Caesar", "birth_year": -100, "title": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, store.NewHandle(store.KindFigure, "Q1048"), h)

	_, err = s.UpsertNode(ctx, store.KindFigure, "canonical_id", store.Props{
		"canonical_id": "Q1048", "name": "Gaius Julius Caesar", "death_year": -44,
	})
	require.NoError(t, err)

	n, err := s.GetNode(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "Julius Caesar", n.Props.Str("name"), "existing values must win")
	assert.Equal(t, common.IntPtr(-100), n.Props.IntPtr("birth_year"))
	assert.Equal(t, common.IntPtr(-44), n.Props.IntPtr("death_year"))
	_, hasTitle := n.Props["title"]
	assert.False(t, hasTitle, "nil properties are not stored")

	nodes, err := s.FindNodes(ctx, store.KindFigure, nil)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	_, err = s.GetNode(ctx, store.NewHandle(store.KindFigure, "Q1"))
	assert.True(t, errors.Is(err, store.ErrNodeNotFound))
}

func testUpdateNode(t *testing.T, s store.GraphStorage) {
	ctx := context.Background()
	prov := figure(t, s, "PROV:stephen-king-1700000000000", "Stephen King")
	w := work(t, s, "MW_1", "Q1", "It")
	_, err := s.UpsertEdge(ctx, store.EdgeAppearsIn, prov, w, store.Props{"sentiment": "complex"}, true)
	require.NoError(t, err)

	promoted, err := s.UpdateNode(ctx, prov, store.Props{
		"canonical_id":   "Q39829",
		"wikidata_id":    "Q39829",
		"provisional_id": prov.Key,
		"name":           nil,
	})
	require.NoError(t, err)
	assert.Equal(t, "Q39829", promoted.Key)

	_, err = s.GetNode(ctx, prov)
	assert.True(t, errors.Is(err, store.ErrNodeNotFound), "old key must be gone")

	n, err := s.GetNode(ctx, promoted)
	require.NoError(t, err)
	assert.Equal(t, prov.Key, n.Props.Str("provisional_id"))
	_, hasName := n.Props["name"]
	assert.False(t, hasName)

	edges, err := s.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeAppearsIn, From: &promoted})
	require.NoError(t, err)
	require.Len(t, edges, 1, "edges follow the rekeyed node")
	assert.Equal(t, "complex", edges[0].Props.Str("sentiment"))

	other := figure(t, s, "Q1", "Someone")
	_, err = s.UpdateNode(ctx, other, store.Props{"canonical_id": "Q39829"})
	var dup *common.DuplicateKeyError
	assert.True(t, errors.As(err, &dup))
}

func testUniqueProps(t *testing.T, s store.GraphStorage) {
	ctx := context.Background()
	work(t, s, "MW_1", "Q1", "Dune")
	_, err := s.UpsertNode(ctx, store.KindMedia, "media_id", store.Props{"media_id": "MW_2", "wikidata_id": "Q1", "title": "Dune"})
	var dup *common.DuplicateKeyError
	require.True(t, errors.As(err, &dup), "expected duplicate key error, got %v", err)

	nodes, err := s.FindNodes(ctx, store.KindMedia, nil)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func testUpsertEdge(t *testing.T, s store.GraphStorage) {
	ctx := context.Background()
	f := figure(t, s, "Q1048", "Julius Caesar")
	w := work(t, s, "MW_1", "Q2", "Rome")

	created, err := s.UpsertEdge(ctx, store.EdgeAppearsIn, f, w, store.Props{"sentiment": "heroic", "timestamp": "t1"}, true)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.UpsertEdge(ctx, store.EdgeAppearsIn, f, w, store.Props{"sentiment": "villainous", "timestamp": "t2", "role_description": "dictator"}, true)
	require.NoError(t, err)
	assert.False(t, created)

	edges, err := s.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeAppearsIn})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "heroic", edges[0].Props.Str("sentiment"))
	assert.Equal(t, "t1", edges[0].Props.Str("timestamp"))
	assert.Equal(t, "dictator", edges[0].Props.Str("role_description"))

	_, err = s.UpsertEdge(ctx, store.EdgeAppearsIn, f, w, store.Props{"sentiment": "complex"}, false)
	require.NoError(t, err)
	edges, err = s.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeAppearsIn})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "complex", edges[0].Props.Str("sentiment"))

	_, err = s.UpsertEdge(ctx, store.EdgeAppearsIn, f, store.NewHandle(store.KindMedia, "MW_404"), nil, true)
	assert.True(t, errors.Is(err, store.ErrNodeNotFound))
}

func testSymmetricEdge(t *testing.T, s store.GraphStorage) {
	ctx := context.Background()
	a := figure(t, s, "Q2", "Cleopatra")
	b := figure(t, s, "Q1048", "Julius Caesar")

	created, err := s.UpsertEdge(ctx, store.EdgeInteractedWith, a, b, store.Props{"sentiment": "complex"}, true)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.UpsertEdge(ctx, store.EdgeInteractedWith, b, a, store.Props{"sentiment": "heroic"}, true)
	require.NoError(t, err)
	assert.False(t, created, "reverse direction is the same edge")

	edges, err := s.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeInteractedWith, From: &b})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "Q1048", edges[0].From.Key, "stored in canonical order")
}

func testRedirectEdges(t *testing.T, s store.GraphStorage) {
	ctx := context.Background()
	primary := figure(t, s, "Q1048", "Julius Caesar")
	dup := figure(t, s, "PROV:gaius-julius-caesar-1700000000000", "Gaius Julius Caesar")
	rome := work(t, s, "MW_1", "Q10", "Rome")
	gladiator := work(t, s, "MW_2", "Q11", "Gladiator")
	cleo := figure(t, s, "Q635", "Cleopatra")

	_, err := s.UpsertEdge(ctx, store.EdgeAppearsIn, primary, rome, store.Props{"sentiment": "heroic"}, true)
	require.NoError(t, err)
	_, err = s.UpsertEdge(ctx, store.EdgeAppearsIn, dup, rome, store.Props{"sentiment": "villainous"}, true)
	require.NoError(t, err)
	_, err = s.UpsertEdge(ctx, store.EdgeAppearsIn, dup, gladiator, store.Props{"sentiment": "neutral"}, true)
	require.NoError(t, err)
	_, err = s.UpsertEdge(ctx, store.EdgeInteractedWith, cleo, dup, nil, true)
	require.NoError(t, err)
	_, err = s.UpsertEdge(ctx, store.EdgeInteractedWith, dup, primary, nil, true)
	require.NoError(t, err)

	moved, err := s.RedirectEdges(ctx, dup, primary, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, moved, "gladiator and cleopatra edges move, rome collides, self loop drops")

	left, err := s.FindEdges(ctx, store.EdgeFilter{Node: &dup})
	require.NoError(t, err)
	assert.Empty(t, left)

	appears, err := s.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeAppearsIn, From: &primary})
	require.NoError(t, err)
	require.Len(t, appears, 2)
	assert.Equal(t, "heroic", appears[0].Props.Str("sentiment"), "existing edge on the primary wins")
	assert.Equal(t, "neutral", appears[1].Props.Str("sentiment"))

	ties, err := s.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeInteractedWith, Node: &primary})
	require.NoError(t, err)
	require.Len(t, ties, 1)
	assert.Equal(t, cleo, ties[0].Other(primary))
}

func testDeleteEdge(t *testing.T, s store.GraphStorage) {
	ctx := context.Background()
	a := figure(t, s, "Q2", "Cleopatra")
	b := figure(t, s, "Q1048", "Julius Caesar")
	w := work(t, s, "MW_1", "Q10", "Rome")
	_, err := s.UpsertEdge(ctx, store.EdgeInteractedWith, a, b, nil, true)
	require.NoError(t, err)
	_, err = s.UpsertEdge(ctx, store.EdgePortrayedIn, a, w, nil, true)
	require.NoError(t, err)

	deleted, err := s.DeleteEdge(ctx, store.EdgeInteractedWith, b, a)
	require.NoError(t, err)
	assert.True(t, deleted, "symmetric edge matched in either direction")

	deleted, err = s.DeleteEdge(ctx, store.EdgeInteractedWith, a, b)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.DeleteEdge(ctx, store.EdgePortrayedIn, a, w)
	require.NoError(t, err)
	assert.True(t, deleted)

	edges, err := s.FindEdges(ctx, store.EdgeFilter{})
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func testDeleteNode(t *testing.T, s store.GraphStorage) {
	ctx := context.Background()
	f := figure(t, s, "Q1", "A")
	w := work(t, s, "MW_1", "Q2", "B")
	_, err := s.UpsertEdge(ctx, store.EdgeAppearsIn, f, w, nil, true)
	require.NoError(t, err)

	require.NoError(t, s.DeleteNode(ctx, f))
	edges, err := s.FindEdges(ctx, store.EdgeFilter{})
	require.NoError(t, err)
	assert.Empty(t, edges)
	assert.True(t, errors.Is(s.DeleteNode(ctx, f), store.ErrNodeNotFound))
}

func testFindNodes(t *testing.T, s store.GraphStorage) {
	ctx := context.Background()
	for _, p := range []store.Props{
		{"canonical_id": "Q3", "name": "C", "era": "Roman"},
		{"canonical_id": "Q1", "name": "A", "era": "Roman", "birth_year": 10},
		{"canonical_id": "Q2", "name": "B"},
	} {
		_, err := s.UpsertNode(ctx, store.KindFigure, "canonical_id", p)
		require.NoError(t, err)
	}

	roman, err := s.FindNodes(ctx, store.KindFigure, store.Filter{"era": "Roman"})
	require.NoError(t, err)
	require.Len(t, roman, 2)
	assert.Equal(t, "Q1", roman[0].Key, "ordered by key")
	assert.Equal(t, "Q3", roman[1].Key)

	noEra, err := s.FindNodes(ctx, store.KindFigure, store.Filter{"era": nil})
	require.NoError(t, err)
	require.Len(t, noEra, 1)
	assert.Equal(t, "Q2", noEra[0].Key)

	born, err := s.FindNodes(ctx, store.KindFigure, store.Filter{"birth_year": 10})
	require.NoError(t, err)
	assert.Len(t, born, 1)

	_, err = s.FindNodes(ctx, store.KindFigure, store.Filter{"era') OR 1=1 --": "x"})
	assert.True(t, errors.Is(err, store.ErrInvalidProperty))
}

func testMissingEdge(t *testing.T, s store.GraphStorage) {
	ctx := context.Background()
	agent, err := s.UpsertNode(ctx, store.KindAgent, "agent_id", store.Props{"agent_id": "web-ui-generic", "type": "automated_process"})
	require.NoError(t, err)
	a := figure(t, s, "Q1", "A")
	figure(t, s, "Q2", "B")
	work(t, s, "MW_1", "Q3", "C")
	_, err = s.UpsertEdge(ctx, store.EdgeCreatedBy, a, agent, nil, true)
	require.NoError(t, err)

	missing, err := s.FindNodesMissingEdge(ctx, store.CoreKinds, store.EdgeCreatedBy)
	require.NoError(t, err)
	require.Len(t, missing, 2)
	assert.Equal(t, "Q2", missing[0].Key)
	assert.Equal(t, "MW_1", missing[1].Key)
}

func testTxRollback(t *testing.T, s store.GraphStorage) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
		if _, err := tx.UpsertNode(ctx, store.KindFigure, "canonical_id", store.Props{"canonical_id": "Q1", "name": "A"}); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	nodes, err := s.FindNodes(ctx, store.KindFigure, nil)
	require.NoError(t, err)
	assert.Empty(t, nodes, "rolled back write must not be visible")

	err = s.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
		_, err := tx.UpsertNode(ctx, store.KindFigure, "canonical_id", store.Props{"canonical_id": "Q1", "name": "A"})
		return err
	})
	require.NoError(t, err)
	nodes, err = s.FindNodes(ctx, store.KindFigure, nil)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func testUnknownKinds(t *testing.T, s store.GraphStorage) {
	ctx := context.Background()
	_, err := s.UpsertNode(ctx, "Person) DETACH DELETE (n", "id", store.Props{"id": "x"})
	assert.True(t, errors.Is(err, store.ErrUnknownKind))

	_, err = s.UpsertNode(ctx, store.KindFigure, "name", store.Props{"name": "x"})
	assert.True(t, errors.Is(err, store.ErrUnknownKind), "key property must match the kind")

	a := figure(t, s, "Q1", "A")
	b := figure(t, s, "Q2", "B")
	_, err = s.UpsertEdge(ctx, "KNOWS", a, b, nil, true)
	assert.True(t, errors.Is(err, store.ErrUnknownKind))
}
