package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gcquraishi/chronosgraph/internal/app"
	"github.com/gcquraishi/chronosgraph/internal/config"
	"github.com/gcquraishi/chronosgraph/internal/report"
	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
)

// GlobalFlags holds the flags every command accepts.
type GlobalFlags struct {
	Execute   bool
	DryRun    bool
	Output    string
	ReportDir string
}

var (
	globalFlags = &GlobalFlags{}
	cfg         *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "chronos",
	Short: "ChronosGraph entity resolution and provenance pipeline",
	Long: `chronos ingests curated batches of historical figures, media works,
characters and interactions into the ChronosGraph store. It resolves
entities against Wikidata, merges duplicates, records provenance and files
anything ambiguous into the review queue.

Every command that writes runs as a dry run unless --execute is given.`,
	PersistentPreRunE: setup,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&globalFlags.Execute, "execute", false, "Write changes to the graph")
	pf.BoolVar(&globalFlags.DryRun, "dry-run", true, "Only report what would change (default)")
	pf.StringVarP(&globalFlags.Output, "output", "o", "text", "Output format (text|json)")
	pf.StringVar(&globalFlags.ReportDir, "report-dir", "", "Directory for run reports (default: $CHRONOS_REPORT_DIR)")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(dedupeCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(enrichCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(agentsCmd)
}

// setup validates the global flags, then loads the configuration and the
// logger before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" {
		return nil
	}
	if globalFlags.Execute && cmd.Flags().Changed("dry-run") && globalFlags.DryRun {
		return usageErrorf("--execute and --dry-run cannot be used together")
	}
	if globalFlags.Output != "text" && globalFlags.Output != "json" {
		return usageErrorf("unknown output format %q", globalFlags.Output)
	}

	util.LoadEnv()
	app.InitLogger("chronos")
	c, err := config.Load()
	if err != nil {
		return &CLIError{Code: ExitUsage, Message: "invalid configuration", Cause: err}
	}
	cfg = c
	return nil
}

func dryRun() bool {
	return !globalFlags.Execute
}

// withApp opens the application for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

// printResult writes v as JSON with -o json, otherwise calls text.
func printResult(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	if globalFlags.Output == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(cmd.OutOrStdout())
	return nil
}

// saveReport stores rep in the report directory and the object store and
// lists where it went on stderr. A report that cannot be stored does not
// fail the command.
func saveReport(ctx context.Context, cmd *cobra.Command, a *app.App, rep *report.Report, err error) {
	if err != nil {
		logger.Error("[CLI] Failed to build report", "err", err)
		return
	}
	refs, err := rep.Save(ctx, cmp.Or(globalFlags.ReportDir, cfg.ReportDir), a.Objects)
	if err != nil {
		logger.Error("[CLI] Failed to store report", "kind", rep.Kind, "err", err)
	}
	for _, ref := range refs {
		cmd.PrintErrln("Report:", ref)
	}
}

func modeLabel() string {
	if dryRun() {
		return "dry run"
	}
	return "executed"
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
