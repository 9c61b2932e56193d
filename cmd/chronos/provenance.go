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
	"github.com/gcquraishi/chronosgraph/pkg/leaselock"
	"github.com/gcquraishi/chronosgraph/pkg/provenance"
)

var backfillChunk int

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Attribute core nodes without a CREATED_BY edge to an agent",
	Long: `Backfill finds every figure, work and character without a creator and
links it to the agent its ingestion source or batch maps to in the agents
file. Only one backfill runs at a time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			runID, err := util.NewBatchID("backfill")
			if err != nil {
				return err
			}
			var res *provenance.BackfillReport
			err = a.Locker.WithLease(ctx, leaselock.BackfillKey, leaselock.Options{}, func(ctx context.Context) error {
				var err error
				res, err = provenance.Backfill(ctx, a.Store, provenance.BackfillOptions{
					Config:    a.Agents,
					DryRun:    dryRun(),
					ChunkSize: backfillChunk,
				})
				return err
			})
			if err != nil {
				return err
			}
			rep, rerr := report.Backfill(runID, res)
			saveReport(ctx, cmd, a, rep, rerr)
			return printResult(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "Backfill (%s): %d without creator, %d linked\n", modeLabel(), res.Missing, res.Linked)
				for _, id := range slices.Sorted(maps.Keys(res.ByAgent)) {
					fmt.Fprintf(w, "  %s: %d\n", id, res.ByAgent[id])
				}
			})
		})
	},
}

func init() {
	backfillCmd.Flags().IntVar(&backfillChunk, "chunk-size", 0, "Nodes per transaction (default 500)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Count CREATED_BY edges per core node",
	Long: `Audit reports how many figures, works and characters carry zero, one or
several CREATED_BY edges. It exits with status 4 unless every node has
exactly one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Audit(ctx)
			if err != nil {
				return err
			}
			runID, err := util.NewBatchID("audit")
			if err != nil {
				return err
			}
			rep, rerr := report.Audit(runID, res)
			saveReport(ctx, cmd, a, rep, rerr)
			if err := printResult(cmd, res, func(w io.Writer) {
				for _, n := range slices.Sorted(maps.Keys(res.Counts)) {
					fmt.Fprintf(w, "%d CREATED_BY: %d\n", n, res.Counts[n])
				}
			}); err != nil {
				return err
			}
			if !res.Healthy() {
				return partialErrorf("provenance incomplete: %s without exactly one creator", plural(unhealthy(res), "node"))
			}
			return nil
		})
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Write the configured agents to the graph",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if !dryRun() {
				if err := a.EnsureAgents(ctx); err != nil {
					return err
				}
			}
			return printResult(cmd, a.Agents.Agents, func(w io.Writer) {
				for _, agent := range a.Agents.Agents {
					fmt.Fprintf(w, "%s\t%s\t%s\n", agent.AgentID, agent.Type, agent.Name)
				}
			})
		})
	},
}

func unhealthy(res report.AuditResult) int {
	n := 0
	for edges, count := range res.Counts {
		if edges != 1 {
			n += count
		}
	}
	return n
}
