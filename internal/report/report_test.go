package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/graph"
	"github.com/gcquraishi/chronosgraph/pkg/provenance"
	"github.com/gcquraishi/chronosgraph/pkg/validate"
)

type memObjects struct {
	objects map[string][]byte
}

func (m *memObjects) Get(ctx context.Context, key string) ([]byte, error) { return m.objects[key], nil }

func (m *memObjects) Put(ctx context.Context, key string, data []byte) (string, error) {
	m.objects[key] = data
	return key, nil
}

func (m *memObjects) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }

func sampleBatch() *graph.BatchResult {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &graph.BatchResult{
		BatchID:    "batch-1",
		Source:     "wikipedia_scrape",
		Curator:    "curator",
		StartedAt:  at,
		FinishedAt: at.Add(time.Second),
		Records: []graph.RecordResult{
			{Section: validate.SectionFigures, Index: 0, ID: "Q1048", State: graph.StateCommitted},
			{Section: validate.SectionWorks, Index: 0, ID: "Gladiator", State: graph.StateRejected, Messages: []string{"works[0].wikidata_id is required"}},
		},
		Summary: graph.BatchSummary{
			Total:   2,
			ByState: map[graph.State]int{graph.StateCommitted: 1, graph.StateRejected: 1},
		},
		MergeLog: []graph.MergeLogEntry{
			{PrimaryID: "Q1048", DuplicateID: "PROV:caesar-1700000000000", Status: graph.MergeMerged, Rationale: "Matched Wikidata alias 'Caesar'", EdgesMoved: 2},
		},
		Review: []graph.ReviewCandidate{{
			A:      common.HistoricalFigure{CanonicalID: "PROV:a", Name: "Stephen King"},
			B:      common.HistoricalFigure{CanonicalID: "PROV:b", Name: "Steven King"},
			Reason: "Birth years 1947 and 1890 differ by more than 20",
		}},
	}
}

func TestBatch_Markdown(t *testing.T) {
	r, err := Batch(sampleBatch())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	md := string(r.Markdown)
	for _, want := range []string{
		"# Batch batch-1",
		"2 records, 1 committed, 1 rejected.",
		"| works[0] | Gladiator | rejected | works[0].wikidata_id is required |",
		"| MERGED | Q1048 | PROV:caesar-1700000000000 | Matched Wikidata alias 'Caesar' | 2 |",
		"Birth years 1947 and 1890 differ by more than 20",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("expected markdown to contain %q, got:\n%s", want, md)
		}
	}

	var decoded graph.BatchResult
	if err := json.Unmarshal(r.JSON, &decoded); err != nil {
		t.Fatalf("expected valid json, got %v", err)
	}
	if decoded.BatchID != "batch-1" || len(decoded.Records) != 2 {
		t.Fatalf("unexpected decoded report %+v", decoded)
	}
}

func TestReport_WriteAndUpload(t *testing.T) {
	r, err := Audit("audit-1", AuditResult{Counts: map[int]int{0: 2, 1: 5}, Missing: []string{"Q1", "Q2"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(r.Markdown), "- Q2") {
		t.Fatalf("expected missing nodes to be listed, got:\n%s", r.Markdown)
	}

	dir := t.TempDir()
	paths, err := r.WriteDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 2 || paths[0] != filepath.Join(dir, "audit", "audit-1.md") {
		t.Fatalf("unexpected paths %v", paths)
	}
	if _, err := os.Stat(paths[1]); err != nil {
		t.Fatalf("expected json file, got %v", err)
	}

	objects := &memObjects{objects: map[string][]byte{}}
	keys, err := r.Upload(context.Background(), objects)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 || keys[1] != "reports/audit/audit-1.json" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestAuditResult_Healthy(t *testing.T) {
	tests := []struct {
		counts map[int]int
		want   bool
	}{
		{map[int]int{1: 4}, true},
		{map[int]int{0: 0, 1: 4}, true},
		{map[int]int{0: 1, 1: 4}, false},
		{map[int]int{1: 3, 2: 1}, false},
	}
	for _, tt := range tests {
		if got := (AuditResult{Counts: tt.counts}).Healthy(); got != tt.want {
			t.Fatalf("expected Healthy()=%v for %v, got %v", tt.want, tt.counts, got)
		}
	}
}

func TestReport_Save(t *testing.T) {
	r, err := Backfill("backfill-1", &provenance.BackfillReport{Missing: 1, Linked: 1, ByAgent: map[string]int{"claude-sonnet-4.5": 1}, ByKind: map[string]int{"HistoricalFigure": 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	refs, err := r.Save(context.Background(), "", nil)
	if err != nil || len(refs) != 0 {
		t.Fatalf("expected nothing saved, got %v, %v", refs, err)
	}

	objects := &memObjects{objects: map[string][]byte{}}
	refs, err = r.Save(context.Background(), t.TempDir(), objects)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 4 {
		t.Fatalf("expected 4 refs, got %v", refs)
	}

	// A file where the directory should be fails the local write only.
	blocked := filepath.Join(t.TempDir(), "reports")
	if err := os.WriteFile(blocked, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	objects = &memObjects{objects: map[string][]byte{}}
	refs, err = r.Save(context.Background(), blocked, objects)
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(refs) != 2 || len(objects.objects) != 2 {
		t.Fatalf("expected the upload to go through, got %v", refs)
	}
}
