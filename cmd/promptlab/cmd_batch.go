package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"promptlab/internal/persistence/sink"
	"promptlab/pkg/batch"
	"promptlab/pkg/journal"
	"promptlab/pkg/llm"
)

type batchOptions struct {
	input         string
	output        string
	promptVersion string
	delay         time.Duration
	dryRun        bool
	continueFrom  int
	resume        bool
	useCSV        bool
	quiet         bool
}

func newBatchCmd(root *rootOptions) *cobra.Command {
	opts := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Replay a CSV of profiles against the model",
		Long: `Run every row of an input CSV through the model and compare the returned
weights with the expected ones.

Each row is appended to <output>/batch.jsonl before the next one starts, so an
interrupted run (Ctrl-C) can be resumed with --resume, or from an explicit row
with --continue-from. results.csv and summary.json are rebuilt from the full
log at the end of every run.

Examples:
  promptlab batch --input etc/fixtures/batch_cases.csv
  promptlab batch --input cases.csv --output runs/batch_a --resume
  promptlab batch --input cases.csv --use-csv-constraints --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("delay") {
				opts.delay = root.cfg.Batch.CallDelay
			}
			a, err := newApp(root.cfg)
			if err != nil {
				return err
			}
			return runBatch(cmd.Context(), a, opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.input, "input", "i", "", "input CSV")
	f.StringVarP(&opts.output, "output", "o", "", "output directory (default <runs_dir>/batch_YYYYMMDD_HHMMSS)")
	f.StringVar(&opts.promptVersion, "prompt-version", "", "prompt version (default: registry current)")
	f.DurationVar(&opts.delay, "delay", time.Second, "minimum spacing between model calls")
	f.BoolVar(&opts.dryRun, "dry-run", false, "render prompts without calling the model")
	f.IntVar(&opts.continueFrom, "continue-from", 0, "resume at this row, discarding logged rows at or after it")
	f.BoolVar(&opts.resume, "resume", false, "resume after the longest contiguous logged prefix")
	f.BoolVar(&opts.useCSV, "use-csv-constraints", false, "use the file's constraints instead of the computed ones")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "print only the summary")
	_ = cmd.MarkFlagRequired("input")
	cmd.MarkFlagsMutuallyExclusive("continue-from", "resume")
	return cmd
}

func runBatch(ctx context.Context, a *app, opts *batchOptions, out io.Writer) error {
	resuming := opts.resume || opts.continueFrom > 0
	if resuming && opts.output == "" {
		return errors.New("--output is required when resuming")
	}
	if opts.continueFrom < 0 {
		return fmt.Errorf("--continue-from must not be negative, got %d", opts.continueFrom)
	}
	output := opts.output
	if output == "" {
		output = filepath.Join(a.cfg.Paths.RunsDir, "batch_"+time.Now().Format("20060102_150405"))
	}

	cases, err := batch.LoadCases(opts.input)
	if err != nil {
		return err
	}

	source := a.cfg.Batch.ConstraintSource
	if opts.useCSV {
		source = batch.SourceExternal
	}
	deps := batch.Deps{
		Engine:    a.engine,
		Market:    a.market,
		Prompts:   a.prompts,
		Validator: a.validator,
		Model:     a.cfg.LLM.Model,
	}
	var client llm.Client
	if !opts.dryRun {
		if client, err = a.newClient(a.cfg.LLM); err != nil {
			return err
		}
		deps.Client = client
	}
	if a.cfg.Sink.Enabled() {
		svc, err := sink.Open(ctx, a.cfg.Sink)
		if err != nil {
			return err
		}
		defer svc.Close()
		deps.Sink = svc
	}
	if !opts.quiet {
		deps.Progress = func(p batch.Progress) {
			rec := p.Record
			fmt.Fprintf(out, "[%d/%d] row %d %s %s\n", p.Done, p.Total, rec.Row, rec.Params(),
				statusStyle(rec.Status).Render(string(rec.Status)))
		}
	}

	driver, err := batch.NewDriver(deps)
	if err != nil {
		return err
	}
	state, err := driver.Run(ctx, cases, batch.Options{
		InputPath:     opts.input,
		OutputDir:     output,
		PromptName:    a.cfg.Prompt.Name,
		PromptVersion: firstNonEmpty(opts.promptVersion, a.cfg.Prompt.Version),
		Source:        source,
		DryRun:        opts.dryRun,
		Delay:         opts.delay,
		ContinueFrom:  opts.continueFrom,
		Resume:        opts.resume,
	})
	if err != nil {
		return err
	}
	printBatchSummary(out, state, client)
	return nil
}

func printBatchSummary(out io.Writer, state *batch.RunState, client llm.Client) {
	rep := state.Report
	lines := []string{
		styles.Label.Render("batch " + state.RunID),
		fmt.Sprintf("rows:     %d (processed %d, started at %d)", rep.TotalRows, state.Processed, state.StartRow),
		fmt.Sprintf("pass:     %s  fail: %s  dry run: %d",
			styles.Pass.Render(fmt.Sprint(rep.PassCount)), styles.Error.Render(fmt.Sprint(rep.FailCount)), rep.DryRunCount),
		fmt.Sprintf("pass rate: %.1f%%", rep.PassRate),
		fmt.Sprintf("constraint mismatches: %d", rep.ConstraintMismatchCount),
	}
	if rep.Deviation != nil {
		lines = append(lines, fmt.Sprintf("total_abs_diff: mean %.2f median %.1f max %d",
			rep.Deviation.TotalAbsDiff.Mean, rep.Deviation.TotalAbsDiff.Median, rep.Deviation.TotalAbsDiff.Max))
	}
	if budgeted, ok := client.(interface{ Budget() *llm.Budget }); ok && budgeted.Budget() != nil {
		snap := budgeted.Budget().Snapshot()
		lines = append(lines, fmt.Sprintf("tokens:   %d / %d (%.1f%%)", snap.UsedTokens, snap.Limit, snap.UsagePct))
	}
	lines = append(lines, styles.Muted.Render("output:   "+state.OutputDir))
	fmt.Fprintln(out, summaryBox(lines...))
	if state.Interrupted {
		fmt.Fprintln(out, styles.Warn.Render(fmt.Sprintf(
			"interrupted; resume with --output %s --resume", state.OutputDir)))
	}
	for _, name := range []string{journal.ResultsFile, journal.SummaryFile} {
		fmt.Fprintln(out, styles.Muted.Render("wrote "+filepath.Join(state.OutputDir, name)))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
