package main

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gcquraishi/chronosgraph/internal/app"
	"github.com/gcquraishi/chronosgraph/pkg/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "List and resolve review queue flags",
}

var reviewFlags struct {
	Kind       string
	Status     string
	ResolvedBy string
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List flags by kind and status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			q := review.New(a.Store)
			status := review.Status(reviewFlags.Status)

			var (
				flags []*review.Flag
				err   error
			)
			if reviewFlags.Kind == "" {
				flags, err = q.ListAll(ctx, status)
			} else {
				kind, kerr := review.ParseKind(reviewFlags.Kind)
				if kerr != nil {
					return kerr
				}
				flags, err = q.List(ctx, kind, status)
			}
			if err != nil {
				return err
			}
			if flags == nil {
				flags = []*review.Flag{}
			}
			return printResult(cmd, flags, func(w io.Writer) { printFlags(w, flags) })
		})
	},
}

func printFlags(w io.Writer, flags []*review.Flag) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tFLAG\tSTATUS\tSUBJECT\tREASON")
	for _, f := range flags {
		subject := cmp.Or(f.Props.Str("canonical_id"), f.Props.Str("media_id"), f.Props.Str("work_id"), f.Props.Str("candidate1_id"), f.DedupeKey)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.Kind, f.FlagID, f.Status, subject, f.Props.Str("reason"))
	}
	tw.Flush()
}

var reviewResolveCmd = &cobra.Command{
	Use:   "resolve <kind> <flag-id> <status>",
	Short: "Move a pending flag to a terminal status",
	Long: `Resolve closes a flag. Figure flags accept merged, kept_separate and
resolved; work and location flags merged and kept_separate; era flags
ai_accepted, user_accepted and custom_resolution.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := review.ParseKind(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			by := cmp.Or(reviewFlags.ResolvedBy, cfg.AgentID)
			if dryRun() {
				f, err := review.New(a.Store).Get(ctx, kind, args[1])
				if err != nil {
					return err
				}
				return printResult(cmd, f, func(w io.Writer) {
					fmt.Fprintf(w, "Would resolve %s %s (%s) as %s by %s\n", f.Kind, f.FlagID, f.Status, args[2], by)
				})
			}
			f, err := review.New(a.Store).Resolve(ctx, kind, args[1], review.Status(args[2]), by)
			if err != nil {
				return err
			}
			return printResult(cmd, f, func(w io.Writer) {
				fmt.Fprintf(w, "Resolved %s %s as %s by %s\n", f.Kind, f.FlagID, f.Status, f.ResolvedBy)
			})
		})
	},
}

func init() {
	reviewListCmd.Flags().StringVar(&reviewFlags.Kind, "kind", "", "Flag kind (figure|media|location|era, default: all)")
	reviewListCmd.Flags().StringVar(&reviewFlags.Status, "status", string(review.StatusPending), "Flag status")
	reviewResolveCmd.Flags().StringVar(&reviewFlags.ResolvedBy, "by", "", "Who resolved the flag (default: $CHRONOS_AGENT_ID)")

	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewResolveCmd)
}
