// Package report renders the outcome of a run as Markdown for curators and
// JSON for tooling, and stores both on disk or in object storage.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gcquraishi/chronosgraph/internal/storage"
	"github.com/gcquraishi/chronosgraph/pkg/graph"
	"github.com/gcquraishi/chronosgraph/pkg/provenance"
)

// Report kinds.
const (
	KindIngest    = "ingest"
	KindDedupe    = "dedupe"
	KindBackfill  = "backfill"
	KindAudit     = "audit"
	KindMigration = "migration"
)

// Report is a rendered run report.
type Report struct {
	Kind     string
	RunID    string
	Markdown []byte
	JSON     []byte
}

func build(kind, runID string, v any, md *strings.Builder) (*Report, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s report: %w", kind, err)
	}
	return &Report{Kind: kind, RunID: runID, Markdown: []byte(md.String()), JSON: data}, nil
}

func mode(dryRun bool) string {
	if dryRun {
		return "dry run"
	}
	return "executed"
}

func cell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}

func writeMerges(md *strings.Builder, entries []graph.MergeLogEntry) {
	if len(entries) == 0 {
		return
	}
	md.WriteString("\n## Merges\n\n| Status | Primary | Duplicate | Rationale | Edges moved |\n|---|---|---|---|---|\n")
	for _, e := range entries {
		reason := e.Rationale
		if e.Error != "" {
			reason = e.Error
		}
		fmt.Fprintf(md, "| %s | %s | %s | %s | %d |\n", e.Status, e.PrimaryID, e.DuplicateID, cell(reason), e.EdgesMoved)
	}
}

func writeReview(md *strings.Builder, review []graph.ReviewCandidate) {
	if len(review) == 0 {
		return
	}
	md.WriteString("\n## Needs review\n\n")
	for _, rc := range review {
		fmt.Fprintf(md, "- %s (%s) and %s (%s): %s\n", rc.A.Name, rc.A.CanonicalID, rc.B.Name, rc.B.CanonicalID, rc.Reason)
	}
}

// Batch renders the result of an ingestion run.
func Batch(res *graph.BatchResult) (*Report, error) {
	var md strings.Builder
	fmt.Fprintf(&md, "# Batch %s\n\n", res.BatchID)
	fmt.Fprintf(&md, "- Source: %s\n- Curator: %s\n- Mode: %s\n", res.Source, res.Curator, mode(res.DryRun))
	fmt.Fprintf(&md, "- Started: %s\n- Finished: %s\n", res.StartedAt.UTC().Format("2006-01-02 15:04:05Z"), res.FinishedAt.UTC().Format("2006-01-02 15:04:05Z"))
	if res.Aborted {
		fmt.Fprintf(&md, "\n**Aborted:** %s\n", res.Error)
	}

	fmt.Fprintf(&md, "\n## Summary\n\n%d records", res.Summary.Total)
	for _, st := range slices.Sorted(maps.Keys(res.Summary.ByState)) {
		fmt.Fprintf(&md, ", %d %s", res.Summary.ByState[st], st)
	}
	fmt.Fprintf(&md, ".\n%d merge proposals, %d flags (%d new).\n", res.Summary.Proposals, res.Summary.Flags, res.Summary.NewFlags)

	if failed := res.Failed(); len(failed) > 0 {
		md.WriteString("\n## Failed records\n\n| Record | Id | State | Reason |\n|---|---|---|---|\n")
		for _, rec := range failed {
			reason := rec.Error
			if len(rec.Messages) > 0 {
				reason = strings.Join(rec.Messages, "; ")
			}
			fmt.Fprintf(&md, "| %s[%d] | %s | %s | %s |\n", rec.Section, rec.Index, rec.ID, rec.State, cell(reason))
		}
	}

	writeMerges(&md, res.MergeLog)
	writeReview(&md, res.Review)

	if len(res.Flags) > 0 {
		md.WriteString("\n## Review queue\n\n")
		for _, f := range res.Flags {
			state := "existing"
			if f.Created {
				state = "new"
			}
			fmt.Fprintf(&md, "- %s %s for %s: %s (%s)\n", f.Kind, f.FlagID, f.Subject, f.Reason, state)
		}
	}
	return build(KindIngest, res.BatchID, res, &md)
}

// Scan renders a duplicate scan and the merges it led to.
func Scan(runID string, res *graph.ScanResult, dryRun bool) (*Report, error) {
	var md strings.Builder
	fmt.Fprintf(&md, "# Duplicate scan %s\n\n- Mode: %s\n- Figures scanned: %d\n- Clusters: %d\n- Proposals: %d\n",
		runID, mode(dryRun), res.Figures, len(res.Clusters), len(res.Proposals))

	if len(res.Clusters) > 0 {
		md.WriteString("\n## Clusters\n")
		for _, c := range res.Clusters {
			fmt.Fprintf(&md, "\n### %s (%s)\n\n", c.Primary.Name, c.Primary.CanonicalID)
			for _, d := range c.Duplicates {
				fmt.Fprintf(&md, "- %s (%s): %s\n", d.Figure.Name, d.Figure.CanonicalID, d.Reason)
			}
		}
	}
	writeMerges(&md, res.Merges)
	writeReview(&md, res.Review)
	return build(KindDedupe, runID, struct {
		DryRun bool `json:"dry_run"`
		*graph.ScanResult
	}{dryRun, res}, &md)
}

// Backfill renders a provenance backfill.
func Backfill(runID string, rep *provenance.BackfillReport) (*Report, error) {
	var md strings.Builder
	fmt.Fprintf(&md, "# Provenance backfill %s\n\n- Mode: %s\n- Missing CREATED_BY: %d\n- Linked: %d\n",
		runID, mode(rep.DryRun), rep.Missing, rep.Linked)
	if len(rep.ByAgent) > 0 {
		md.WriteString("\n| Agent | Nodes |\n|---|---|\n")
		for _, a := range slices.Sorted(maps.Keys(rep.ByAgent)) {
			fmt.Fprintf(&md, "| %s | %d |\n", a, rep.ByAgent[a])
		}
	}
	return build(KindBackfill, runID, rep, &md)
}

// AuditResult is the CREATED_BY histogram of an audit: how many core
// nodes carry zero, one or more CREATED_BY edges.
type AuditResult struct {
	Counts  map[int]int `json:"counts"`
	Missing []string    `json:"missing,omitempty"`
}

// Healthy reports whether every core node has exactly one CREATED_BY edge.
func (a AuditResult) Healthy() bool {
	for n, count := range a.Counts {
		if n != 1 && count > 0 {
			return false
		}
	}
	return true
}

// Audit renders a provenance audit.
func Audit(runID string, a AuditResult) (*Report, error) {
	var md strings.Builder
	fmt.Fprintf(&md, "# Provenance audit %s\n\n| CREATED_BY edges | Nodes |\n|---|---|\n", runID)
	for _, n := range slices.Sorted(maps.Keys(a.Counts)) {
		fmt.Fprintf(&md, "| %d | %d |\n", n, a.Counts[n])
	}
	if a.Healthy() {
		md.WriteString("\nEvery core node has exactly one creator.\n")
	} else if len(a.Missing) > 0 {
		md.WriteString("\n## Without creator\n\n")
		for _, id := range a.Missing {
			fmt.Fprintf(&md, "- %s\n", id)
		}
	}
	return build(KindAudit, runID, a, &md)
}

// Migration renders a field migration.
func Migration(runID string, rep *graph.FieldMigrationReport) (*Report, error) {
	var md strings.Builder
	action := "Field migration"
	if rep.Rollback {
		action = "Field migration rollback"
	}
	fmt.Fprintf(&md, "# %s %s\n\n- Mode: %s\n- Edges rewritten: %d\n- Edges collapsed: %d\n", action, runID, mode(rep.DryRun), rep.Edges, rep.Collapsed)
	for _, f := range slices.Sorted(maps.Keys(rep.Fields)) {
		fmt.Fprintf(&md, "- Field %s: %d nodes\n", f, rep.Fields[f])
	}
	if len(rep.Skipped) > 0 {
		md.WriteString("\n## Skipped\n\n")
		for _, s := range rep.Skipped {
			fmt.Fprintf(&md, "- %s\n", s)
		}
	}
	return build(KindMigration, runID, rep, &md)
}

func (r *Report) files() map[string][]byte {
	return map[string][]byte{"md": r.Markdown, "json": r.JSON}
}

// WriteDir writes <dir>/<kind>/<run>.md and .json and returns the paths.
func (r *Report) WriteDir(dir string) ([]string, error) {
	base := filepath.Join(dir, r.Kind)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, err
	}
	var paths []string
	for _, ext := range []string{"md", "json"} {
		p := filepath.Join(base, r.RunID+"."+ext)
		if err := os.WriteFile(p, r.files()[ext], 0o644); err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Upload stores both renderings in object storage and returns their keys.
func (r *Report) Upload(ctx context.Context, objects storage.ObjectStore) ([]string, error) {
	var keys []string
	for _, ext := range []string{"md", "json"} {
		key, err := objects.Put(ctx, storage.ReportKey(r.Kind, r.RunID, ext), r.files()[ext])
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Save writes the report to dir and uploads it to objects. Either may be
// empty. It returns every path and key written, even when one target
// failed.
func (r *Report) Save(ctx context.Context, dir string, objects storage.ObjectStore) ([]string, error) {
	var (
		refs []string
		errs []error
	)
	if dir != "" {
		paths, err := r.WriteDir(dir)
		refs = append(refs, paths...)
		if err != nil {
			errs = append(errs, fmt.Errorf("write %s report: %w", r.Kind, err))
		}
	}
	if objects != nil {
		keys, err := r.Upload(ctx, objects)
		refs = append(refs, keys...)
		if err != nil {
			errs = append(errs, fmt.Errorf("upload %s report: %w", r.Kind, err))
		}
	}
	return refs, errors.Join(errs...)
}
