// Package batch replays a file of profiles against the model, validates each
// response and keeps a resumable, append-only record of the outcomes.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/time/rate"

	"promptlab/pkg/journal"
	"promptlab/pkg/llm"
	"promptlab/pkg/market"
	"promptlab/pkg/prompt"
	"promptlab/pkg/rules"
	"promptlab/pkg/validator"
)

// UserMessage is the instruction sent with every user payload.
const UserMessage = "请生成资产配置权重。"

// ConstraintSource selects which constraint set drives rendering and validation.
type ConstraintSource string

const (
	// SourceInternal uses engine-computed constraints; rows whose file
	// constraints disagree are recorded as constraint_mismatch without a model call.
	SourceInternal ConstraintSource = "internal"
	// SourceExternal uses the file's constraints and only flags disagreement.
	SourceExternal ConstraintSource = "external"
)

// ErrOutputInUse is returned when a fresh run targets a directory that
// already holds rows.
var ErrOutputInUse = errors.New("batch: output directory already holds a batch log")

// Renderer renders a named prompt template.
type Renderer interface {
	Render(name, version string, ctx map[string]any) (prompt.Rendered, error)
}

// RowSink receives every persisted row. Failures are logged, never fatal.
type RowSink interface {
	Put(ctx context.Context, rec *journal.RowRecord) error
}

// RowPruner is implemented by sinks that can drop rows at or after a resume
// cursor.
type RowPruner interface {
	Prune(ctx context.Context, runID string, fromRow int) error
}

// Progress is reported after each row is persisted.
type Progress struct {
	Done   int
	Total  int
	Record *journal.RowRecord
}

// Deps are the collaborators a Driver needs. Client may be nil for dry runs.
type Deps struct {
	Engine    *rules.Engine
	Market    *market.Pack
	Prompts   Renderer
	Client    llm.Client
	Validator *validator.Validator
	Sink      RowSink
	Model     string
	Progress  func(Progress)
}

// Options control one batch run.
type Options struct {
	InputPath     string
	OutputDir     string
	PromptName    string
	PromptVersion string
	Source        ConstraintSource
	DryRun        bool
	Delay         time.Duration
	// ContinueFrom > 0 resumes at that row, discarding any logged rows at or
	// after it.
	ContinueFrom int
	// Resume derives the cursor from the longest contiguous logged prefix.
	Resume bool
}

// RunState is the outcome of Run.
type RunState struct {
	RunID       string
	OutputDir   string
	StartRow    int
	Processed   int
	Interrupted bool
	Report      *Report
}

type Driver struct {
	deps Deps
	now  func() time.Time
}

func NewDriver(deps Deps) (*Driver, error) {
	if deps.Engine == nil || deps.Market == nil || deps.Prompts == nil || deps.Validator == nil {
		return nil, errors.New("batch: engine, market, prompts and validator are required")
	}
	return &Driver{deps: deps, now: time.Now}, nil
}

// Run processes cases in row order starting at the resume cursor. Each row is
// durably logged before the next one starts. Cancelling ctx drops the row in
// flight; the report still covers every row persisted so far.
func (d *Driver) Run(ctx context.Context, cases []Case, opts Options) (*RunState, error) {
	if !opts.DryRun && d.deps.Client == nil {
		return nil, errors.New("batch: model client is required unless dry run")
	}
	if opts.Source == "" {
		opts.Source = SourceInternal
	}
	if opts.Source != SourceInternal && opts.Source != SourceExternal {
		return nil, fmt.Errorf("batch: unknown constraint source %q", opts.Source)
	}
	if opts.PromptName == "" {
		opts.PromptName = prompt.AllocationPrompt
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("batch: create output dir: %w", err)
	}

	manifest, start, err := d.prepare(opts, len(cases))
	if err != nil {
		return nil, err
	}
	logger := logx.WithContext(ctx)
	if pruner, ok := d.deps.Sink.(RowPruner); ok {
		if err := pruner.Prune(ctx, manifest.RunID, start); err != nil {
			logger.Errorf("batch: prune mirror failed run_id=%s err=%v", manifest.RunID, err)
		}
	}
	logger.Infof("batch: run started run_id=%s rows=%d start=%d source=%s dry_run=%t",
		manifest.RunID, len(cases), start, opts.Source, opts.DryRun)

	log, err := journal.OpenLog(filepath.Join(opts.OutputDir, journal.LogFile))
	if err != nil {
		return nil, err
	}
	defer log.Close()

	var limiter *rate.Limiter
	if opts.Delay > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.Delay), 1)
	}

	state := &RunState{RunID: manifest.RunID, OutputDir: opts.OutputDir, StartRow: start}
	for _, c := range cases {
		if c.Row < start {
			continue
		}
		if ctx.Err() != nil {
			state.Interrupted = true
			break
		}
		rec := d.runCase(ctx, c, opts, manifest.RunID, limiter)
		if rec == nil {
			state.Interrupted = true
			logger.Infof("batch: interrupted row=%d, row dropped", c.Row)
			break
		}
		if err := log.Append(rec); err != nil {
			return state, err
		}
		state.Processed++
		if d.deps.Sink != nil {
			if err := d.deps.Sink.Put(ctx, rec); err != nil {
				logger.Errorf("batch: mirror row failed run_id=%s row=%d err=%v", rec.RunID, rec.Row, err)
			}
		}
		if d.deps.Progress != nil {
			d.deps.Progress(Progress{Done: c.Row + 1, Total: len(cases), Record: rec})
		}
	}

	report, err := d.finish(opts.OutputDir, manifest.RunID)
	if err != nil {
		return state, err
	}
	state.Report = report
	logger.Infof("batch: run finished run_id=%s processed=%d total=%d pass=%d fail=%d interrupted=%t",
		manifest.RunID, state.Processed, report.TotalRows, report.PassCount, report.FailCount, state.Interrupted)
	return state, nil
}

// prepare settles the manifest and the start row, compacting the log so it
// holds only rows before the cursor.
func (d *Driver) prepare(opts Options, total int) (*journal.Manifest, int, error) {
	digest := ""
	if opts.InputPath != "" {
		var err error
		if digest, err = journal.DigestFile(opts.InputPath); err != nil {
			return nil, 0, err
		}
	}
	current := &journal.Manifest{
		RunID:            uuid.NewString(),
		CreatedAt:        d.now().UTC(),
		Input:            opts.InputPath,
		InputDigest:      digest,
		TotalRows:        total,
		ConstraintSource: string(opts.Source),
		PromptName:       opts.PromptName,
		PromptVersion:    opts.PromptVersion,
		Model:            d.deps.Model,
		DryRun:           opts.DryRun,
	}

	logPath := filepath.Join(opts.OutputDir, journal.LogFile)
	existing, err := journal.ReadLog(logPath)
	if err != nil {
		return nil, 0, err
	}
	resuming := opts.Resume || opts.ContinueFrom > 0

	prior, err := journal.ReadManifest(opts.OutputDir)
	switch {
	case err == nil:
		if resuming {
			if err := prior.Compatible(current); err != nil {
				return nil, 0, err
			}
			current.RunID = prior.RunID
			current.CreatedAt = prior.CreatedAt
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, 0, err
	}
	if !resuming && len(existing) > 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrOutputInUse, opts.OutputDir)
	}

	start := 0
	switch {
	case opts.ContinueFrom > 0:
		start = opts.ContinueFrom
	case opts.Resume:
		start = journal.ContiguousPrefix(existing)
	}
	if start > 0 || len(existing) > 0 || nonEmpty(logPath) {
		if _, err := journal.CompactLog(logPath, start); err != nil {
			return nil, 0, err
		}
	}
	if err := journal.WriteManifest(opts.OutputDir, current); err != nil {
		return nil, 0, err
	}
	return current, start, nil
}

func nonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// runCase produces the record for one case, or nil when ctx was cancelled
// before the row completed.
func (d *Driver) runCase(ctx context.Context, c Case, opts Options, runID string, limiter *rate.Limiter) *journal.RowRecord {
	csvConstraints := c.CSVConstraints
	rec := &journal.RowRecord{
		RunID:             runID,
		Row:               c.Row,
		Timestamp:         d.now().UTC(),
		LifeStage:         c.Profile.LifeStage,
		RiskLevel:         c.Profile.RiskLevel,
		Need:              c.Profile.Need,
		ConstraintsSource: string(opts.Source),
		CSVConstraints:    &csvConstraints,
		ExpectedWeights:   c.Expected,
		ExpectedVol:       c.ExpectedVol,
		ExpectedReturn:    c.ExpectedReturn,
		Errors:            []string{},
	}

	computed, err := d.deps.Engine.Compute(c.Profile)
	if err != nil {
		rec.Status = journal.StatusInvalidProfile
		rec.Errors = append(rec.Errors, err.Error())
		rec.ErrorMessage = err.Error()
		return rec
	}
	rec.ComputedConstraints = &computed
	rec.ConstraintsConsistent = computed.Equal(csvConstraints)
	used := computed
	if !rec.ConstraintsConsistent {
		rec.ConstraintDiff = csvConstraints.Diff(computed)
		msg := fmt.Sprintf("Constraint mismatch: file %s vs computed %s (%s)",
			formatConstraints(csvConstraints), formatConstraints(computed), rec.ConstraintDiff)
		logx.WithContext(ctx).Infof("batch: constraint mismatch row=%d params=%s diff=%s", c.Row, c.Profile, rec.ConstraintDiff)
		if opts.Source == SourceInternal {
			rec.Constraints = &used
			rec.Status = journal.StatusConstraintMismatch
			rec.Errors = append(rec.Errors, msg)
			rec.ErrorMessage = msg
			return rec
		}
		rec.Warnings = append(rec.Warnings, msg)
	}
	if opts.Source == SourceExternal {
		used = csvConstraints
	}
	rec.Constraints = &used

	rendered, err := d.deps.Prompts.Render(opts.PromptName, opts.PromptVersion, prompt.AllocationContext(c.Profile, used, d.deps.Market))
	if err != nil {
		rec.Status = journal.StatusTemplateError
		rec.Errors = append(rec.Errors, "TemplateError: "+err.Error())
		rec.ErrorMessage = err.Error()
		return rec
	}
	rec.PromptVersion = rendered.Version
	rec.PromptDigest = rendered.Digest

	if opts.DryRun {
		rec.Status = journal.StatusDryRun
		return rec
	}

	payload, err := UserPayload(c.Profile, used)
	if err != nil {
		rec.Status = journal.StatusTemplateError
		rec.Errors = append(rec.Errors, "TemplateError: "+err.Error())
		return rec
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
	}
	started := d.now()
	resp, err := d.deps.Client.Chat(ctx, llm.ChatRequest{System: rendered.Text, User: payload})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		rec.Status = journal.StatusAPIError
		rec.Errors = append(rec.Errors, "ApiError: "+err.Error())
		rec.ErrorMessage = err.Error()
		logx.WithContext(ctx).Errorf("batch: model call failed row=%d err=%v", c.Row, err)
		return rec
	}
	latency := float64(d.now().Sub(started).Microseconds()) / 1000
	rec.APILatencyMS = &latency
	rec.TotalTokens = resp.TotalTokens
	rec.RawResponse = resp.Content

	result := d.deps.Validator.Validate(resp.Content, used, d.deps.Market.Covariance())
	rec.LLMWeights = result.Weights
	rec.Checks = result.Checks
	rec.Skipped = result.Skipped
	rec.ComputedVol = result.ComputedVol
	rec.Passed = result.Passed
	rec.Errors = append(rec.Errors, result.Errors...)
	rec.Warnings = append(rec.Warnings, result.Warnings...)
	if result.Weights != nil && result.Weights.WellFormed() {
		dev := CompareWeights(*result.Weights, c.Expected)
		rec.Deviation = &dev
	}
	if result.Passed {
		rec.Status = journal.StatusSuccess
	} else {
		rec.Status = journal.StatusValidationFailed
	}
	return rec
}

// finish rebuilds results.csv and summary.json from the full log.
func (d *Driver) finish(dir, runID string) (*Report, error) {
	recs, err := journal.ReadLog(filepath.Join(dir, journal.LogFile))
	if err != nil {
		return nil, err
	}
	if err := journal.WriteResultsCSV(filepath.Join(dir, journal.ResultsFile), recs); err != nil {
		return nil, err
	}
	report := BuildReport(runID, recs, d.now().UTC())
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("batch: encode summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, journal.SummaryFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("batch: write summary: %w", err)
	}
	return report, nil
}

type userPayload struct {
	Params      rules.Profile     `json:"params"`
	Constraints rules.Constraints `json:"constraints"`
	Message     string            `json:"message"`
}

// UserPayload renders the user message sent alongside the system prompt.
func UserPayload(p rules.Profile, c rules.Constraints) (string, error) {
	data, err := json.Marshal(userPayload{Params: p, Constraints: c, Message: UserMessage})
	if err != nil {
		return "", fmt.Errorf("batch: encode user payload: %w", err)
	}
	return string(data), nil
}

func formatConstraints(c rules.Constraints) string {
	return fmt.Sprintf("sigma=%.6f/cash=%d/risk=%d", c.SigmaCap, c.CashMin, c.RiskAssetMax)
}
