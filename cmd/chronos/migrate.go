package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/gcquraishi/chronosgraph/internal/app"
	"github.com/gcquraishi/chronosgraph/internal/report"
	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/graph"
	"github.com/gcquraishi/chronosgraph/pkg/provenance"
	"github.com/gcquraishi/chronosgraph/pkg/review"
)

var migrateRollback bool

var migrateCmd = &cobra.Command{
	Use:   "migrate-fields",
	Short: "Rename legacy work fields and PORTRAYED_IN edges",
	Long: `migrate-fields renames the MediaWork properties year and type to
release_year and media_type and rewrites PORTRAYED_IN edges as APPEARS_IN.
--rollback undoes a previous migration, except for edges that collapsed
into an existing APPEARS_IN edge.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := graph.MigrateFields(ctx, a.Store, graph.FieldMigrationOptions{
				Rollback: migrateRollback,
				DryRun:   dryRun(),
			})
			if err != nil {
				return err
			}
			runID, err := util.NewBatchID("migration")
			if err != nil {
				return err
			}
			rep, rerr := report.Migration(runID, res)
			saveReport(ctx, cmd, a, rep, rerr)
			return printResult(cmd, res, func(w io.Writer) {
				action := "Migration"
				if res.Rollback {
					action = "Rollback"
				}
				fmt.Fprintf(w, "%s (%s): %s rewritten, %d collapsed\n", action, modeLabel(), plural(res.Edges, "edge"), res.Collapsed)
				for _, f := range slices.Sorted(maps.Keys(res.Fields)) {
					fmt.Fprintf(w, "  %s: %d\n", f, res.Fields[f])
				}
				for _, s := range res.Skipped {
					fmt.Fprintf(w, "  skipped %s\n", s)
				}
			})
		})
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateRollback, "rollback", false, "Undo a previous migration")
}

var enrichCmd = &cobra.Command{
	Use:   "enrich <qid>...",
	Short: "Ask the AI provider for descriptions and eras of stored works",
	Long: `Enrich fills in a missing description and suggests eras for works that are
already in the graph. Suggestions never replace curated era tags; when both
exist the work is flagged for review.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if a.Narrative == nil {
				return &CLIError{Code: ExitUsage, Message: "cannot enrich", Cause: app.ErrNoNarrative}
			}
			q := review.New(a.Store)
			var results []*graph.EnrichmentResult
			for _, arg := range args {
				res, err := graph.EnrichStoredWork(ctx, a.Store, a.Narrative, q, util.NormalizeQID(arg), graph.EnrichOptions{
					AgentID: provenance.NarrativeAgentID,
					DryRun:  dryRun(),
				})
				if err != nil {
					return fmt.Errorf("enrich %s: %w", arg, err)
				}
				results = append(results, res)
			}
			return printResult(cmd, results, func(w io.Writer) {
				for _, res := range results {
					fmt.Fprintf(w, "%s (%s): description %t, tagged %v", res.QID, res.MediaID, res.Description, res.Tagged)
					if res.Flag != nil {
						fmt.Fprintf(w, ", flagged %s", res.Flag.FlagID)
					}
					fmt.Fprintln(w)
				}
			})
		})
	},
}
