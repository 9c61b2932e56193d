package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gcquraishi/chronosgraph/internal/app"
	"github.com/gcquraishi/chronosgraph/internal/report"
	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/graph"
	"github.com/gcquraishi/chronosgraph/pkg/identity"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Scan all figures for duplicates and merge them",
	Long: `Dedupe clusters every historical figure by Wikidata id, alias and name
similarity. With --execute the proposed merges run and figures held apart
by the birth-year guard are filed for review.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			runID, err := util.NewBatchID("dedupe")
			if err != nil {
				return err
			}
			res, applyErr := a.ScanDuplicates(ctx, dryRun())
			if res == nil {
				return applyErr
			}

			rep, rerr := report.Scan(runID, res, dryRun())
			saveReport(ctx, cmd, a, rep, rerr)
			if err := printResult(cmd, res, func(w io.Writer) { printScan(w, res) }); err != nil {
				return err
			}
			if applyErr != nil {
				if errors.Is(applyErr, app.ErrMergesFailed) && !common.IsStoreUnavailable(applyErr) {
					return &CLIError{Code: ExitPartial, Message: "dedupe incomplete", Cause: applyErr}
				}
				return applyErr
			}
			return nil
		})
	},
}

func printScan(w io.Writer, res *graph.ScanResult) {
	fmt.Fprintf(w, "Scanned %s (%s): %s, %s, %d for review\n",
		plural(res.Figures, "figure"), modeLabel(), plural(len(res.Clusters), "cluster"), plural(len(res.Proposals), "proposal"), len(res.Review))
	for _, e := range res.Merges {
		fmt.Fprintf(w, "  %s %s <- %s: %s\n", e.Status, e.PrimaryID, e.DuplicateID, e.Rationale)
	}
	for _, f := range res.Flags {
		fmt.Fprintf(w, "  flagged %s (%s)\n", f.Subject, f.Reason)
	}
}

var mergeFlags struct {
	Kind   string
	Reason string
}

var mergeCmd = &cobra.Command{
	Use:   "merge <primary-id> <duplicate-id>",
	Short: "Merge one figure or work into another",
	Long: `Merge folds the duplicate into the primary: its relationships move to the
primary, missing properties are filled in, the duplicate is deleted and a
merge record is kept.`,
	Args: cobra.ExactArgs(2),
	RunE: runMerge,
}

func init() {
	mergeCmd.Flags().StringVar(&mergeFlags.Kind, "kind", "figure", "Node kind (figure|media)")
	mergeCmd.Flags().StringVar(&mergeFlags.Reason, "reason", "Manual merge", "Rationale kept on the merge record")
}

func runMerge(cmd *cobra.Command, args []string) error {
	var kind store.Kind
	switch mergeFlags.Kind {
	case "figure":
		kind = store.KindFigure
	case "media":
		kind = store.KindMedia
	default:
		return usageErrorf("unknown kind %q", mergeFlags.Kind)
	}
	if args[0] == args[1] {
		return usageErrorf("cannot merge %s into itself", args[0])
	}

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		p := graph.MergeProposal{
			Kind:      kind,
			Primary:   args[0],
			Duplicate: args[1],
			Match:     graph.MatchManual,
			Rationale: mergeFlags.Reason,
			Score:     1,
		}
		if kind == store.KindFigure && identity.IsQID(p.Primary) {
			p.QID = p.Primary
		}
		m := graph.NewMerger(graph.NewMergerParams{Store: a.Store, AgentID: cfg.AgentID})
		entry, err := m.Execute(ctx, p, dryRun())
		if perr := printResult(cmd, entry, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s <- %s: %d edges moved, filled %v\n", entry.Status, entry.PrimaryID, entry.DuplicateID, entry.EdgesMoved, entry.Filled)
		}); perr != nil && err == nil {
			err = perr
		}
		return err
	})
}

var promoteCmd = &cobra.Command{
	Use:   "promote <provisional-id> <qid>",
	Short: "Give a provisional figure its Wikidata id",
	Long: `Promote re-keys a PROV: figure to a Wikidata Q-ID. When a figure with
that Q-ID already exists the provisional one is merged into it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			qid := util.NormalizeQID(args[1])
			m := graph.NewMerger(graph.NewMergerParams{Store: a.Store, AgentID: cfg.AgentID})
			res, err := graph.Promote(ctx, a.Store, m, args[0], qid, dryRun())
			if err != nil {
				return err
			}
			return printResult(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "%s -> %s (%s, %s)\n", res.ProvisionalID, res.QID, res.Action, modeLabel())
			})
		})
	},
}
