package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gcquraishi/chronosgraph/pkg/ai"
	"github.com/gcquraishi/chronosgraph/pkg/graph"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

func TestObserveBatch(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	res := &graph.BatchResult{
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
		Summary: graph.BatchSummary{ByState: map[graph.State]int{
			graph.StateCommitted: 4,
			graph.StateRejected:  1,
		}},
		MergeLog: []graph.MergeLogEntry{{Status: graph.MergeMerged}},
		Flags: []graph.FlagRef{
			{Kind: store.KindFlaggedFigure, Created: true},
			{Kind: store.KindFlaggedFigure, Created: false},
		},
	}

	committed := testutil.ToFloat64(records.WithLabelValues("committed"))
	merged := testutil.ToFloat64(merges.WithLabelValues("MERGED"))
	flagged := testutil.ToFloat64(flags.WithLabelValues("FlaggedFigure"))

	ObserveBatch(res)

	if got := testutil.ToFloat64(records.WithLabelValues("committed")) - committed; got != 4 {
		t.Fatalf("expected 4 committed records, got %v", got)
	}
	if got := testutil.ToFloat64(merges.WithLabelValues("MERGED")) - merged; got != 1 {
		t.Fatalf("expected 1 merge, got %v", got)
	}
	if got := testutil.ToFloat64(flags.WithLabelValues("FlaggedFigure")) - flagged; got != 1 {
		t.Fatalf("expected only the new flag to count, got %v", got)
	}
}

func TestObserveBatch_DryRunSkipsRecords(t *testing.T) {
	before := testutil.ToFloat64(records.WithLabelValues("deferred"))
	dry := testutil.ToFloat64(batches.WithLabelValues("dry_run"))

	ObserveBatch(&graph.BatchResult{DryRun: true, Summary: graph.BatchSummary{ByState: map[graph.State]int{graph.StateDeferred: 2}}})

	if got := testutil.ToFloat64(records.WithLabelValues("deferred")); got != before {
		t.Fatalf("expected dry runs to leave record counts alone, got %v", got)
	}
	if got := testutil.ToFloat64(batches.WithLabelValues("dry_run")) - dry; got != 1 {
		t.Fatalf("expected one dry-run batch, got %v", got)
	}
}

func TestObserveAI(t *testing.T) {
	in := testutil.ToFloat64(aiTokens.WithLabelValues("input"))
	out := testutil.ToFloat64(aiTokens.WithLabelValues("output"))
	secs := testutil.ToFloat64(aiRequestSeconds)

	ObserveAI(ai.ModelMetrics{InputTokens: 120, OutputTokens: 30, TotalTokens: 150, DurationMs: 2500})

	if got := testutil.ToFloat64(aiTokens.WithLabelValues("input")) - in; got != 120 {
		t.Fatalf("expected 120 input tokens, got %v", got)
	}
	if got := testutil.ToFloat64(aiTokens.WithLabelValues("output")) - out; got != 30 {
		t.Fatalf("expected 30 output tokens, got %v", got)
	}
	if got := testutil.ToFloat64(aiRequestSeconds) - secs; got != 2.5 {
		t.Fatalf("expected 2.5 seconds, got %v", got)
	}
}
