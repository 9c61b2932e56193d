package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcquraishi/chronosgraph/pkg/store"
)

func TestMigrateFields_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	caesar := putFigure(t, s, fig("Q1048", "Julius Caesar"), "")
	cleo := putFigure(t, s, fig("Q635", "Cleopatra"), "")
	gladiator, err := s.UpsertNode(ctx, store.KindMedia, "media_id", store.Props{
		"media_id": "MW_128758", "wikidata_id": "Q128758", "title": "Gladiator", "year": "2000", "type": "film",
	})
	require.NoError(t, err)
	rome, err := s.UpsertNode(ctx, store.KindMedia, "media_id", store.Props{
		"media_id": "MW_165399", "wikidata_id": "Q165399", "title": "Rome", "year": int64(2005), "release_year": int64(2005),
	})
	require.NoError(t, err)
	link(t, s, store.EdgePortrayedIn, caesar, gladiator, store.Props{"sentiment": "Heroic"})
	link(t, s, store.EdgePortrayedIn, cleo, rome, nil)
	link(t, s, store.EdgeAppearsIn, cleo, rome, store.Props{"sentiment": "Complex"})

	original, originalEdges := s.Dump()

	rep, err := MigrateFields(ctx, s, FieldMigrationOptions{DryRun: true, Now: fixedClock})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fields["year"])
	nodes, edges := s.Dump()
	assert.Equal(t, original, nodes, "dry run writes nothing")
	assert.Equal(t, originalEdges, edges)

	rep, err = MigrateFields(ctx, s, FieldMigrationOptions{Now: fixedClock})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"year": 1, "type": 1}, rep.Fields)
	assert.Equal(t, 1, rep.Edges)
	assert.Equal(t, 1, rep.Collapsed)
	require.Len(t, rep.Skipped, 1, "rome already has release_year")

	g := nodeOf(t, s, store.KindMedia, "MW_128758")
	assert.Equal(t, 2000, *g.Props.IntPtr("release_year"))
	assert.Equal(t, "film", g.Props.Str("media_type"))
	assert.NotContains(t, g.Props, "year")
	assert.NotContains(t, g.Props, "type")

	assert.Empty(t, edgesOf(t, s, store.EdgePortrayedIn, caesar))
	appears := edgesOf(t, s, store.EdgeAppearsIn, caesar)
	require.Len(t, appears, 1)
	assert.Equal(t, "Heroic", appears[0].Props.Str("sentiment"))
	assert.Equal(t, "migration", appears[0].Props.Str("context"))
	assert.Len(t, edgesOf(t, s, store.EdgeAppearsIn, cleo), 1)

	rep, err = MigrateFields(ctx, s, FieldMigrationOptions{Rollback: true, Now: fixedClock})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Edges)

	g = nodeOf(t, s, store.KindMedia, "MW_128758")
	assert.Equal(t, int64(2000), g.Props["year"])
	assert.Equal(t, "film", g.Props.Str("type"))
	assert.NotContains(t, g.Props, "release_year")
	assert.NotContains(t, g.Props, migratedFieldsProp)

	assert.Empty(t, edgesOf(t, s, store.EdgeAppearsIn, caesar))
	legacy := edgesOf(t, s, store.EdgePortrayedIn, caesar)
	require.Len(t, legacy, 1)
	assert.NotContains(t, legacy[0].Props, migratedFromProp)
	assert.Len(t, edgesOf(t, s, store.EdgeAppearsIn, cleo), 1, "pre-existing APPEARS_IN survives rollback")
}
