package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"promptlab/internal/persistence/sink"
	"promptlab/pkg/journal"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the most recent single runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recs, err := journal.NewReader(root.cfg.Paths.RunsDir).Latest(limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs (0 for all)")
	return cmd
}

func printHistory(out io.Writer, recs []*journal.RunRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(out, styles.Muted.Render("no runs found"))
		return
	}
	for _, rec := range recs {
		verdict := styles.Muted.Render("dry-run")
		if rec.Validation != nil {
			if rec.Validation.Passed {
				verdict = styles.Pass.Render("PASS")
			} else {
				verdict = styles.Error.Render("FAIL")
			}
		}
		weights := ""
		if rec.Validation != nil && rec.Validation.Weights != nil {
			weights = rec.Validation.Weights.String()
		}
		fmt.Fprintf(out, "%s #%03d %-20s %-7s %s %s\n",
			rec.Timestamp.Format("2006-01-02 15:04"), rec.RunNumber, rec.Params, rec.PromptVersion, verdict, weights)
	}
}

func newReplayCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-validate recent run responses under the current rules and market data",
		Long: `Load the most recent single runs and validate their stored responses again,
without calling the model. A run drifts when its constraints, verdict or
individual checks differ from what was recorded. Exits non-zero on drift.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(root.cfg)
			if err != nil {
				return err
			}
			recs, err := journal.NewReader(root.cfg.Paths.RunsDir).Latest(limit)
			if err != nil {
				return err
			}
			outcomes, err := journal.Replay(recs, a.engine, a.validator, a.market.Covariance())
			if err != nil {
				return err
			}
			if drifted := printReplay(cmd.OutOrStdout(), outcomes); drifted > 0 {
				return fmt.Errorf("%d of %d runs drifted", drifted, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "number of runs (0 for all)")
	return cmd
}

func printReplay(out io.Writer, outcomes []journal.ReplayOutcome) int {
	drifted := 0
	for _, o := range outcomes {
		label := fmt.Sprintf("%s #%03d %s", o.Record.Timestamp.Format("2006-01-02"), o.Record.RunNumber, o.Record.Params)
		if !o.Drifted() {
			fmt.Fprintf(out, "%s %s\n", styles.Pass.Render("[OK]   "), label)
			continue
		}
		drifted++
		fmt.Fprintf(out, "%s %s: %s\n", styles.Error.Render("[DRIFT]"), label, strings.Join(o.Drift, "; "))
	}
	fmt.Fprintf(out, "replay complete: %d unchanged, %d drifted\n", len(outcomes)-drifted, drifted)
	return drifted
}

func newSyncCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <batch-dir>",
		Short: "Mirror a batch output directory into the configured SQL sink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !root.cfg.Sink.Enabled() {
				return errors.New("no sink configured (set sink.dsn or PROMPTLAB_SINK_DSN)")
			}
			svc, err := sink.Open(cmd.Context(), root.cfg.Sink)
			if err != nil {
				return err
			}
			defer svc.Close()
			n, err := svc.Sync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mirrored %d rows from %s\n", n, args[0])
			return nil
		},
	}
}
