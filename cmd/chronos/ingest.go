package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gcquraishi/chronosgraph/internal/app"
	"github.com/gcquraishi/chronosgraph/internal/report"
	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/graph"
	"github.com/gcquraishi/chronosgraph/pkg/leaselock"
)

var ingestFlags struct {
	BatchID        string
	Agent          string
	Context        string
	ExecuteMerges  bool
	Strict         bool
	SkipEnrichment bool
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <batch.json>...",
	Short: "Validate, resolve and write batch files",
	Long: `Ingest validates each batch file, resolves its figures and works against
the graph and Wikidata, and writes the records with provenance. Batches run
one after another; each writes a report.

Merges proposed by the resolver are only logged unless --execute-merges is
given together with --execute.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.StringVar(&ingestFlags.BatchID, "batch-id", "", "Batch id (only with a single file, default: generated)")
	f.StringVar(&ingestFlags.Agent, "agent", "", "Agent credited with the batch (default: from the agents file)")
	f.StringVar(&ingestFlags.Context, "context", string(common.ContextBulkIngestion), "Provenance context (bulk_ingestion|web_ui|api|migration)")
	f.BoolVar(&ingestFlags.ExecuteMerges, "execute-merges", false, "Execute the merges the resolver proposes")
	f.BoolVar(&ingestFlags.Strict, "strict", false, "Reject the whole batch when any record is invalid")
	f.BoolVar(&ingestFlags.SkipEnrichment, "skip-enrichment", false, "Do not ask the AI provider for descriptions and eras")
}

func provenanceContext(s string) (common.ProvenanceContext, error) {
	switch c := common.ProvenanceContext(s); c {
	case common.ContextBulkIngestion, common.ContextWebUI, common.ContextAPI, common.ContextMigration:
		return c, nil
	}
	return "", usageErrorf("unknown provenance context %q", s)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestFlags.BatchID != "" && len(args) > 1 {
		return usageErrorf("--batch-id needs a single batch file")
	}
	pctx, err := provenanceContext(ingestFlags.Context)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		failed := 0
		for _, path := range args {
			res, err := ingestFile(ctx, cmd, a, path, pctx)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			failed += len(res.Failed())
		}
		if failed > 0 {
			return partialErrorf("%s failed", plural(failed, "record"))
		}
		return nil
	})
}

func readBatch(path string) (*common.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	batch := &common.Batch{}
	if err := json.Unmarshal(data, batch); err != nil {
		return nil, &common.ValidationError{Messages: []string{fmt.Sprintf("not a batch file: %v", err)}}
	}
	return batch, nil
}

func ingestFile(ctx context.Context, cmd *cobra.Command, a *app.App, path string, pctx common.ProvenanceContext) (*graph.BatchResult, error) {
	batch, err := readBatch(path)
	if err != nil {
		return nil, err
	}
	batchID := ingestFlags.BatchID
	if batchID == "" {
		if batchID, err = util.NewBatchID("batch"); err != nil {
			return nil, err
		}
	}
	agent, err := a.Agent(cmp.Or(ingestFlags.Agent, a.Agents.AgentFor(batch.Metadata.Source, batchID)))
	if err != nil {
		return nil, err
	}

	ic := a.IngestionContext()
	ic.BatchID = batchID
	ic.Agent = agent
	ic.Context = pctx
	ic.DryRun = dryRun()
	ic.ExecuteMerges = ingestFlags.ExecuteMerges
	ic.Strict = ingestFlags.Strict
	ic.SkipEnrichment = ingestFlags.SkipEnrichment

	var res *graph.BatchResult
	err = a.Locker.WithLease(ctx, leaselock.BatchKey(batchID), leaselock.Options{}, func(ctx context.Context) error {
		var err error
		res, err = graph.Ingest(ctx, ic, batch)
		return err
	})
	if res == nil {
		return nil, err
	}

	rep, rerr := report.Batch(res)
	saveReport(ctx, cmd, a, rep, rerr)
	if perr := printResult(cmd, res, func(w io.Writer) { printBatch(w, res) }); perr != nil && err == nil {
		err = perr
	}
	return res, err
}

func printBatch(w io.Writer, res *graph.BatchResult) {
	s := res.Summary
	mode := "dry run"
	if !res.DryRun {
		mode = "executed"
	}
	fmt.Fprintf(w, "Batch %s (%s, %s): %s\n", res.BatchID, res.Source, mode, plural(s.Total, "record"))
	fmt.Fprintf(w, "  committed %d, deferred %d, rejected %d, errored %d\n",
		s.ByState[graph.StateCommitted], s.ByState[graph.StateDeferred], s.ByState[graph.StateRejected], s.ByState[graph.StateErrored])
	fmt.Fprintf(w, "  merges: %d merged, %d dry run, %d failed; %s\n",
		s.Merges[graph.MergeMerged], s.Merges[graph.MergeDryRun], s.Merges[graph.MergeFailed], plural(s.Proposals, "proposal"))
	fmt.Fprintf(w, "  review flags: %d (%d new)\n", s.Flags, s.NewFlags)
	if res.Aborted {
		fmt.Fprintf(w, "  aborted: %s\n", res.Error)
	}
	for _, rec := range res.Failed() {
		fmt.Fprintf(w, "  %s[%d] %s: %s %v\n", rec.Section, rec.Index, rec.ID, rec.State, rec.Messages)
	}
}
