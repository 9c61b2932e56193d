package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/provenance"
	"github.com/gcquraishi/chronosgraph/pkg/store"
	"github.com/gcquraishi/chronosgraph/pkg/store/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newTestStore(t *testing.T, agents ...string) *memory.Store {
	t.Helper()
	s := memory.New()
	var list []common.Agent
	for _, id := range agents {
		list = append(list, common.Agent{AgentID: id, Name: id, Type: common.AgentAutomated})
	}
	if len(list) > 0 {
		require.NoError(t, provenance.EnsureAgents(context.Background(), s, list))
	}
	return s
}

func putFigure(t *testing.T, s store.GraphStorage, f common.HistoricalFigure, agentID string) store.Handle {
	t.Helper()
	ctx := context.Background()
	h, err := s.UpsertNode(ctx, store.KindFigure, "canonical_id", figureProps(f))
	require.NoError(t, err)
	if agentID != "" {
		_, err = provenance.RecordCreation(ctx, s, h, agentID, common.Provenance{Timestamp: testNow, Context: common.ContextWebUI, Method: common.MethodUserGenerated})
		require.NoError(t, err)
	}
	return h
}

func putWork(t *testing.T, s store.GraphStorage, w common.MediaWork) store.Handle {
	t.Helper()
	h, err := s.UpsertNode(context.Background(), store.KindMedia, "media_id", mediaProps(w))
	require.NoError(t, err)
	return h
}

func link(t *testing.T, s store.GraphStorage, kind store.EdgeKind, from, to store.Handle, props store.Props) {
	t.Helper()
	_, err := s.UpsertEdge(context.Background(), kind, from, to, props, true)
	require.NoError(t, err)
}

func edgesOf(t *testing.T, s store.GraphStorage, kind store.EdgeKind, from store.Handle) []store.Edge {
	t.Helper()
	edges, err := s.FindEdges(context.Background(), store.EdgeFilter{Kind: kind, From: &from})
	require.NoError(t, err)
	return edges
}

func nodeOf(t *testing.T, s store.GraphStorage, kind store.Kind, key string) *store.Node {
	t.Helper()
	n, err := s.GetNode(context.Background(), store.NewHandle(kind, key))
	require.NoError(t, err)
	return n
}
