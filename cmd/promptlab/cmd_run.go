package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/zeromicro/go-zero/core/logx"

	"promptlab/pkg/batch"
	"promptlab/pkg/journal"
	"promptlab/pkg/llm"
	"promptlab/pkg/profile"
	"promptlab/pkg/prompt"
	"promptlab/pkg/rules"
)

type runOptions struct {
	user          string
	overrides     rules.Profile
	promptVersion string
	dryRun        bool
	noLog         bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the allocation prompt for one profile",
		Long: `Derive constraints for one profile, render the system prompt, call the model
and validate the returned weights.

The profile is extracted from --user text (Chinese keywords) and any of
--life-stage, --risk-level or --need override the extracted values. Missing
fields default to 单身青年 / C3 / 增值.

Examples:
  promptlab run --user "我今年30岁单身，风险偏好中等，希望资产增值"
  promptlab run --life-stage 退休 --risk-level C1 --need 保值 --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(root.cfg)
			if err != nil {
				return err
			}
			return runSingle(cmd.Context(), a, opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.user, "user", "", "free-text client description")
	f.StringVar(&opts.overrides.LifeStage, "life-stage", "", "life stage override")
	f.StringVar(&opts.overrides.RiskLevel, "risk-level", "", "risk level override (C1-C5)")
	f.StringVar(&opts.overrides.Need, "need", "", "need override")
	f.StringVar(&opts.promptVersion, "prompt-version", "", "prompt version (default: registry current)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "render the prompt without calling the model")
	f.BoolVar(&opts.noLog, "no-log", false, "do not write a run record")
	return cmd
}

// runSingle returns an error for invalid profiles, template failures and
// model failures. A response that fails validation is not an error.
func runSingle(ctx context.Context, a *app, opts *runOptions, out io.Writer) error {
	p := profile.Resolve(opts.user, opts.overrides)
	c, err := a.engine.Compute(p)
	if err != nil {
		return err
	}
	printProfile(out, p, c)

	version := opts.promptVersion
	if version == "" {
		version = a.cfg.Prompt.Version
	}
	rendered, err := a.prompts.Render(a.cfg.Prompt.Name, version, prompt.AllocationContext(p, c, a.market))
	if err != nil {
		return err
	}
	payload, err := batch.UserPayload(p, c)
	if err != nil {
		return err
	}
	printKV(out, "prompt", fmt.Sprintf("%s@%s (%s)", rendered.Name, rendered.Version, rendered.Digest[:12]))

	rec := &journal.RunRecord{
		RunID:         uuid.NewString(),
		Params:        p,
		Constraints:   c,
		PromptVersion: rendered.Version,
		PromptDigest:  rendered.Digest,
		DryRun:        opts.dryRun,
		SystemPrompt:  rendered.Text,
		UserPayload:   json.RawMessage(payload),
		Model:         a.cfg.LLM.Model,
	}

	if opts.dryRun {
		printSection(out, "System prompt")
		fmt.Fprintln(out, rendered.Text)
		printSection(out, "User payload")
		fmt.Fprintln(out, payload)
		return logRun(ctx, a, opts, rec, out)
	}

	client, err := a.newClient(a.cfg.LLM)
	if err != nil {
		return err
	}
	resp, err := client.Chat(ctx, llm.ChatRequest{System: rendered.Text, User: payload})
	if err != nil {
		return err
	}
	rec.Response = resp.Content
	rec.Model = resp.Model
	rec.TotalTokens = resp.TotalTokens
	rec.LatencyMS = float64(resp.Latency.Microseconds()) / 1000

	printSection(out, "Raw response")
	fmt.Fprintln(out, resp.Content)
	res := a.validator.Validate(resp.Content, c, a.market.Covariance())
	rec.Validation = &res
	printValidation(out, res)
	return logRun(ctx, a, opts, rec, out)
}

func logRun(ctx context.Context, a *app, opts *runOptions, rec *journal.RunRecord, out io.Writer) error {
	if opts.noLog {
		return nil
	}
	path, err := journal.NewRunLogger(a.cfg.Paths.RunsDir).Log(rec)
	if err != nil {
		return err
	}
	logx.WithContext(ctx).Infof("run: logged run_id=%s path=%s", rec.RunID, path)
	fmt.Fprintln(out, styles.Muted.Render("logged to "+path))
	return nil
}
