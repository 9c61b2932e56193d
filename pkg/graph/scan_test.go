package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcquraishi/chronosgraph/pkg/review"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

func TestScanDuplicates_AliasMerge(t *testing.T) {
	s, primary, dup := seedCaesars(t)
	ctx := context.Background()

	res, err := ScanDuplicates(ctx, s, NewResolver(NewResolverParams{Identity: caesarService()}))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Figures)
	require.Len(t, res.Proposals, 1)
	assert.Equal(t, "Q1048", res.Proposals[0].Primary)
	assert.Equal(t, dup.Key, res.Proposals[0].Duplicate)
	assert.Equal(t, MatchAlias, res.Proposals[0].Match)

	m := NewMerger(NewMergerParams{Store: s, AgentID: "importer", Now: fixedClock})
	q := review.New(s).WithClock(fixedClock)

	nodes, edges := s.Dump()
	require.NoError(t, res.Apply(ctx, m, q, true))
	require.Len(t, res.Merges, 1)
	assert.Equal(t, MergeDryRun, res.Merges[0].Status)
	afterNodes, afterEdges := s.Dump()
	assert.Equal(t, nodes, afterNodes, "dry run leaves the graph alone")
	assert.Equal(t, edges, afterEdges)

	require.NoError(t, res.Apply(ctx, m, q, false))
	assert.Equal(t, MergeMerged, res.Merges[0].Status)
	_, err = s.GetNode(ctx, dup)
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
	assert.Len(t, edgesOf(t, s, store.EdgeAppearsIn, primary), 2)
}

func TestScanDuplicates_FlagsBirthYearMismatch(t *testing.T) {
	s := newTestStore(t, "importer")
	ctx := context.Background()
	putFigure(t, s, born(fig("PROV:stephen-king-1700000000000", "Stephen King"), 1947), "importer")
	putFigure(t, s, born(fig("PROV:steven-king-1700000000000", "Steven King"), 1890), "importer")

	res, err := ScanDuplicates(ctx, s, NewResolver(NewResolverParams{}))
	require.NoError(t, err)
	assert.Empty(t, res.Proposals)
	require.Len(t, res.Review, 1)

	q := review.New(s).WithClock(fixedClock)
	m := NewMerger(NewMergerParams{Store: s, AgentID: "importer", Now: fixedClock})
	require.NoError(t, res.Apply(ctx, m, q, false))
	require.Len(t, res.Flags, 1)
	assert.True(t, res.Flags[0].Created)

	pending, err := q.List(ctx, store.KindFlaggedFigure, review.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, review.ReasonBirthYearGuard, pending[0].Props.Str("reason"))

	// a second scan files no new flag
	res2, err := ScanDuplicates(ctx, s, NewResolver(NewResolverParams{}))
	require.NoError(t, err)
	require.NoError(t, res2.Apply(ctx, m, q, false))
	require.Len(t, res2.Flags, 1)
	assert.False(t, res2.Flags[0].Created)
}
