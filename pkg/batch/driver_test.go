package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptlab/pkg/journal"
	"promptlab/pkg/llm"
	"promptlab/pkg/market"
	"promptlab/pkg/prompt"
	"promptlab/pkg/rules"
	"promptlab/pkg/validator"
)

var (
	calibrationProfile     = rules.Profile{LifeStage: "单身青年", RiskLevel: "C3", Need: "增值"}
	calibrationConstraints = rules.Constraints{CashMin: 5, SigmaCap: 0.20, RiskAssetMax: 80}
	calibrationWeights     = validator.Weights{Cash: 5, Bond: 45, Equity: 40, Commodity: 10}
)

const calibrationReply = `{"weights": {"w_cash": 5, "w_bond": 45, "w_equity": 40, "w_commodity": 10}, "reasoning": "均衡"}`

type reply struct {
	content string
	err     error
}

// scriptedClient answers calls in order from a fixed script.
type scriptedClient struct {
	replies  []reply
	requests []llm.ChatRequest
}

func (c *scriptedClient) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if len(c.requests) >= len(c.replies) {
		return nil, fmt.Errorf("unexpected call %d", len(c.requests))
	}
	r := c.replies[len(c.requests)]
	c.requests = append(c.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	return &llm.ChatResponse{Content: r.content, Model: llm.DefaultModel, TotalTokens: 100}, nil
}

// ruleClient derives a deterministic allocation from the constraints in the
// user payload. It cancels the run when asked to make call number cancelAt.
type ruleClient struct {
	calls    int
	cancelAt int
	cancel   context.CancelFunc
}

func (c *ruleClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	defer func() { c.calls++ }()
	if c.cancel != nil && c.calls == c.cancelAt {
		c.cancel()
		return nil, ctx.Err()
	}
	var payload userPayload
	if err := json.Unmarshal([]byte(req.User), &payload); err != nil {
		return nil, err
	}
	cash := payload.Constraints.CashMin
	equity := payload.Constraints.RiskAssetMax / 2
	content := fmt.Sprintf(`{"weights":{"w_cash":%d,"w_bond":%d,"w_equity":%d,"w_commodity":0}}`, cash, 100-cash-equity, equity)
	return &llm.ChatResponse{Content: content, Model: llm.DefaultModel}, nil
}

func testDeps(t *testing.T, client llm.Client) Deps {
	t.Helper()
	engine, err := rules.LoadEngine(filepath.Join("..", "..", "etc", "fixtures", "v3_rules_pack.json"))
	require.NoError(t, err)
	pack, err := market.LoadPack(filepath.Join("..", "..", "etc", "fixtures", "v3_market_pack.json"))
	require.NoError(t, err)
	store, err := prompt.NewStore(filepath.Join("..", "..", "prompts"), prompt.VersionGuard{RequireHeader: true, StrictMode: true})
	require.NoError(t, err)
	return Deps{
		Engine:    engine,
		Market:    pack,
		Prompts:   store,
		Client:    client,
		Validator: validator.MustNew(),
		Model:     llm.DefaultModel,
	}
}

func newTestDriver(t *testing.T, deps Deps) *Driver {
	t.Helper()
	d, err := NewDriver(deps)
	require.NoError(t, err)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }
	return d
}

func calibrationCase(row int) Case {
	return Case{
		Row:            row,
		Profile:        calibrationProfile,
		CSVConstraints: calibrationConstraints,
		Expected:       validator.Weights{Cash: 10, Bond: 40, Equity: 40, Commodity: 10},
		ExpectedVol:    0.098,
	}
}

// domainCases cycles through every enum value with constraints computed by
// the engine, so each row reaches the model.
func domainCases(t *testing.T, engine *rules.Engine, n int) []Case {
	t.Helper()
	enums := engine.Pack().Enums
	cases := make([]Case, n)
	for i := range cases {
		p := rules.Profile{
			LifeStage: enums.LifeStages[i%len(enums.LifeStages)],
			RiskLevel: enums.RiskLevels[i%len(enums.RiskLevels)],
			Need:      enums.Needs[i%len(enums.Needs)],
		}
		c, err := engine.Compute(p)
		require.NoError(t, err)
		cases[i] = Case{
			Row:            i,
			Profile:        p,
			CSVConstraints: c,
			Expected:       validator.Weights{Cash: 5 + i%10, Bond: 45 - i%10, Equity: 40, Commodity: 10},
		}
	}
	return cases
}

func TestRunCalibrationRow(t *testing.T) {
	client := &scriptedClient{replies: []reply{{content: calibrationReply}}}
	d := newTestDriver(t, testDeps(t, client))
	dir := t.TempDir()

	state, err := d.Run(context.Background(), []Case{calibrationCase(0)}, Options{OutputDir: dir})
	require.NoError(t, err)
	assert.False(t, state.Interrupted)
	assert.Equal(t, 1, state.Processed)

	recs, err := journal.ReadLog(filepath.Join(dir, journal.LogFile))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, journal.StatusSuccess, rec.Status)
	assert.True(t, rec.Passed)
	assert.True(t, rec.ConstraintsConsistent)
	assert.Equal(t, "internal", rec.ConstraintsSource)
	assert.Equal(t, calibrationConstraints, *rec.Constraints)
	assert.Equal(t, calibrationWeights, *rec.LLMWeights)
	require.NotNil(t, rec.ComputedVol)
	assert.InDelta(t, 0.10358, *rec.ComputedVol, 1e-5)
	assert.Equal(t, &journal.Deviation{Cash: -5, Bond: 5, TotalAbsDiff: 10, MaxSingleDiff: 5}, rec.Deviation)
	assert.Equal(t, "v001", rec.PromptVersion)
	assert.Equal(t, state.RunID, rec.RunID)

	require.Len(t, client.requests, 1)
	assert.Contains(t, client.requests[0].System, "人生阶段: 单身青年")
	assert.Equal(t,
		`{"params":{"life_stage":"单身青年","risk_level":"C3","need":"增值"},"constraints":{"cash_min":5,"sigma_cap":0.2,"risk_asset_max":80},"message":"请生成资产配置权重。"}`,
		client.requests[0].User)

	for _, name := range []string{journal.ManifestFile, journal.ResultsFile, journal.SummaryFile} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	assert.Equal(t, 1, state.Report.PassCount)
	assert.Equal(t, 100.0, state.Report.PassRate)
}

func TestRunRecordsEveryOutcomeAndContinues(t *testing.T) {
	client := &scriptedClient{replies: []reply{
		{err: &llm.APIError{StatusCode: 429, Message: "quota exceeded"}},
		{content: `{"weights": {"w_cash": 20, "w_bond": 80, "w_equity": 6, "w_commodity": 6}}`},
		{content: calibrationReply},
	}}
	d := newTestDriver(t, testDeps(t, client))

	unknown := calibrationCase(0)
	unknown.Profile.LifeStage = "不存在"
	mismatch := calibrationCase(1)
	mismatch.CSVConstraints.SigmaCap = 0.21
	cases := []Case{unknown, mismatch, calibrationCase(2), calibrationCase(3), calibrationCase(4)}

	state, err := d.Run(context.Background(), cases, Options{OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.Len(t, client.requests, 3, "invalid and mismatched rows never reach the model")

	recs, err := journal.ReadLog(filepath.Join(state.OutputDir, journal.LogFile))
	require.NoError(t, err)
	require.Len(t, recs, 5)

	assert.Equal(t, journal.StatusInvalidProfile, recs[0].Status)
	assert.Contains(t, recs[0].Errors[0], "unknown enum value")
	assert.Nil(t, recs[0].ComputedConstraints)

	assert.Equal(t, journal.StatusConstraintMismatch, recs[1].Status)
	assert.False(t, recs[1].ConstraintsConsistent)
	assert.Equal(t, "sigma_cap 0.210000 != 0.200000", recs[1].ConstraintDiff)
	assert.Equal(t, calibrationConstraints, *recs[1].Constraints)

	assert.Equal(t, journal.StatusAPIError, recs[2].Status)
	assert.False(t, recs[2].Passed)
	assert.Equal(t, []string{"ApiError: status 429: quota exceeded"}, recs[2].Errors)

	assert.Equal(t, journal.StatusValidationFailed, recs[3].Status)
	assert.Contains(t, recs[3].Errors, "Weights sum to 112, not 100")
	assert.Nil(t, recs[3].Deviation, "malformed totals carry no deviation")

	assert.Equal(t, journal.StatusSuccess, recs[4].Status)

	rep := state.Report
	assert.Equal(t, 5, rep.TotalRows)
	assert.Equal(t, 1, rep.PassCount)
	assert.Equal(t, 4, rep.FailCount)
	assert.Equal(t, 1, rep.ConstraintMismatchCount)
	assert.Len(t, rep.FailedCases, 4)
	assert.Equal(t, 20.0, rep.PassRate)
}

func TestExternalSourceFlagsMismatchButProceeds(t *testing.T) {
	client := &scriptedClient{replies: []reply{{content: calibrationReply}}}
	d := newTestDriver(t, testDeps(t, client))
	c := calibrationCase(0)
	c.CSVConstraints.SigmaCap = 0.21

	state, err := d.Run(context.Background(), []Case{c}, Options{OutputDir: t.TempDir(), Source: SourceExternal})
	require.NoError(t, err)

	recs, err := journal.ReadLog(filepath.Join(state.OutputDir, journal.LogFile))
	require.NoError(t, err)
	rec := recs[0]
	assert.False(t, rec.ConstraintsConsistent)
	assert.Equal(t, "external", rec.ConstraintsSource)
	assert.InDelta(t, 0.21, rec.Constraints.SigmaCap, 1e-12)
	assert.InDelta(t, 0.20, rec.ComputedConstraints.SigmaCap, 1e-12)
	assert.Equal(t, journal.StatusSuccess, rec.Status)
	require.NotEmpty(t, rec.Warnings)
	assert.Contains(t, rec.Warnings[0], "Constraint mismatch")
	assert.Contains(t, client.requests[0].System, "（即 21.00%）")
	assert.Equal(t, 1, state.Report.ConstraintMismatchCount)
}

func TestResumeAfterRow49MatchesUninterruptedRun(t *testing.T) {
	deps := testDeps(t, nil)
	cases := domainCases(t, deps.Engine, 100)
	ignore := cmp.Options{
		cmpopts.IgnoreFields(journal.RowRecord{}, "RunID", "Timestamp"),
		cmpopts.IgnoreFields(Report{}, "RunID", "GeneratedAt"),
		cmpopts.IgnoreUnexported(GroupStats{}),
	}

	fullDir := t.TempDir()
	deps.Client = &ruleClient{}
	full, err := newTestDriver(t, deps).Run(context.Background(), cases, Options{OutputDir: fullDir})
	require.NoError(t, err)
	require.Equal(t, 100, full.Report.TotalRows)

	splitDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deps.Client = &ruleClient{cancelAt: 50, cancel: cancel}
	first, err := newTestDriver(t, deps).Run(ctx, cases, Options{OutputDir: splitDir})
	require.NoError(t, err)
	assert.True(t, first.Interrupted)
	assert.Equal(t, 50, first.Processed)
	assert.Equal(t, 50, first.Report.TotalRows, "the summary covers the persisted rows")

	logged, err := journal.ReadLog(filepath.Join(splitDir, journal.LogFile))
	require.NoError(t, err)
	assert.Equal(t, 50, journal.ContiguousPrefix(logged))

	deps.Client = &ruleClient{}
	second, err := newTestDriver(t, deps).Run(context.Background(), cases, Options{OutputDir: splitDir, ContinueFrom: 50})
	require.NoError(t, err)
	assert.Equal(t, 50, second.StartRow)
	assert.Equal(t, 50, second.Processed)
	assert.Equal(t, first.RunID, second.RunID, "a resumed run keeps its id")

	fullRecs, err := journal.ReadLog(filepath.Join(fullDir, journal.LogFile))
	require.NoError(t, err)
	splitRecs, err := journal.ReadLog(filepath.Join(splitDir, journal.LogFile))
	require.NoError(t, err)
	if diff := cmp.Diff(fullRecs, splitRecs, ignore); diff != "" {
		t.Fatalf("resumed rows differ (-full +split):\n%s", diff)
	}
	if diff := cmp.Diff(full.Report, second.Report, ignore); diff != "" {
		t.Fatalf("resumed report differs (-full +split):\n%s", diff)
	}
}

func TestAutoResumeUsesContiguousPrefix(t *testing.T) {
	deps := testDeps(t, &ruleClient{})
	cases := domainCases(t, deps.Engine, 6)
	dir := t.TempDir()

	log, err := journal.OpenLog(filepath.Join(dir, journal.LogFile))
	require.NoError(t, err)
	for _, row := range []int{0, 1, 2, 4} {
		require.NoError(t, log.Append(&journal.RowRecord{Row: row, Status: journal.StatusSuccess, Errors: []string{}}))
	}
	require.NoError(t, log.Close())

	state, err := newTestDriver(t, deps).Run(context.Background(), cases, Options{OutputDir: dir, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 3, state.StartRow)
	assert.Equal(t, 3, state.Processed)

	recs, err := journal.ReadLog(filepath.Join(dir, journal.LogFile))
	require.NoError(t, err)
	assert.Equal(t, 6, journal.ContiguousPrefix(recs))
	assert.NotEmpty(t, recs[4].LifeStage, "stale row 4 was replaced")
}

func TestResumeKeepsRowWrittenAfterTornLine(t *testing.T) {
	deps := testDeps(t, &ruleClient{})
	cases := domainCases(t, deps.Engine, 3)
	dir := t.TempDir()
	logPath := filepath.Join(dir, journal.LogFile)
	require.NoError(t, os.WriteFile(logPath, []byte(`{"run_id":"x","row":0,"life_st`), 0o644))

	state, err := newTestDriver(t, deps).Run(context.Background(), cases, Options{OutputDir: dir, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 0, state.StartRow)
	assert.Equal(t, 3, state.Processed)
	assert.Equal(t, 3, state.Report.TotalRows)

	recs, err := journal.ReadLog(logPath)
	require.NoError(t, err)
	assert.Equal(t, 3, journal.ContiguousPrefix(recs))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"), "torn fragment is compacted away")
}

func TestFreshRunOverTornLogKeepsEveryRow(t *testing.T) {
	deps := testDeps(t, &ruleClient{})
	cases := domainCases(t, deps.Engine, 2)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, journal.LogFile), []byte(`{"row":0,"sta`), 0o644))

	state, err := newTestDriver(t, deps).Run(context.Background(), cases, Options{OutputDir: dir})
	require.NoError(t, err)
	assert.Equal(t, 2, state.Report.TotalRows)
}

func TestFreshRunRefusesDirectoryWithRows(t *testing.T) {
	deps := testDeps(t, &ruleClient{})
	cases := domainCases(t, deps.Engine, 2)
	dir := t.TempDir()

	_, err := newTestDriver(t, deps).Run(context.Background(), cases, Options{OutputDir: dir})
	require.NoError(t, err)
	_, err = newTestDriver(t, deps).Run(context.Background(), cases, Options{OutputDir: dir})
	assert.ErrorIs(t, err, ErrOutputInUse)
}

func TestResumeRefusesDifferentInput(t *testing.T) {
	deps := testDeps(t, &ruleClient{})
	cases := domainCases(t, deps.Engine, 2)
	dir := t.TempDir()
	input := filepath.Join(t.TempDir(), "cases.csv")
	require.NoError(t, os.WriteFile(input, []byte("a"), 0o600))

	_, err := newTestDriver(t, deps).Run(context.Background(), cases, Options{OutputDir: dir, InputPath: input})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(input, []byte("b"), 0o600))
	_, err = newTestDriver(t, deps).Run(context.Background(), cases, Options{OutputDir: dir, InputPath: input, Resume: true})
	assert.ErrorIs(t, err, journal.ErrManifestMismatch)
}

func TestDryRunSkipsModel(t *testing.T) {
	deps := testDeps(t, nil)
	cases := []Case{calibrationCase(0), calibrationCase(1)}

	state, err := newTestDriver(t, deps).Run(context.Background(), cases, Options{OutputDir: t.TempDir(), DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, state.Report.DryRunCount)
	assert.Equal(t, 0, state.Report.FailCount)

	recs, err := journal.ReadLog(filepath.Join(state.OutputDir, journal.LogFile))
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Equal(t, journal.StatusDryRun, rec.Status)
		assert.NotEmpty(t, rec.PromptDigest)
		assert.Nil(t, rec.LLMWeights)
	}

	_, err = newTestDriver(t, deps).Run(context.Background(), cases, Options{OutputDir: t.TempDir()})
	assert.ErrorContains(t, err, "model client is required")
}

type failingRenderer struct{}

func (failingRenderer) Render(string, string, map[string]any) (prompt.Rendered, error) {
	return prompt.Rendered{}, fmt.Errorf("%w: render allocation_test: missing key", prompt.ErrTemplate)
}

func TestTemplateErrorIsRowOutcome(t *testing.T) {
	client := &scriptedClient{}
	deps := testDeps(t, client)
	deps.Prompts = failingRenderer{}

	state, err := newTestDriver(t, deps).Run(context.Background(), []Case{calibrationCase(0)}, Options{OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.Empty(t, client.requests)
	assert.Equal(t, 1, state.Report.StatusBreakdown[journal.StatusTemplateError])
}

type recordingSink struct {
	rows []int
	err  error
}

func (s *recordingSink) Put(_ context.Context, rec *journal.RowRecord) error {
	s.rows = append(s.rows, rec.Row)
	return s.err
}

func TestSinkFailuresAreNotFatal(t *testing.T) {
	deps := testDeps(t, &ruleClient{})
	sink := &recordingSink{err: errors.New("db down")}
	deps.Sink = sink
	var progress []int
	deps.Progress = func(p Progress) { progress = append(progress, p.Done) }

	state, err := newTestDriver(t, deps).Run(context.Background(), domainCases(t, deps.Engine, 3), Options{OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 3, state.Processed)
	assert.Equal(t, []int{0, 1, 2}, sink.rows)
	assert.Equal(t, []int{1, 2, 3}, progress)
}

func TestDelaySpacesModelCalls(t *testing.T) {
	deps := testDeps(t, &ruleClient{})
	d, err := NewDriver(deps)
	require.NoError(t, err)

	started := time.Now()
	_, err = d.Run(context.Background(), domainCases(t, deps.Engine, 3), Options{OutputDir: t.TempDir(), Delay: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(started), 35*time.Millisecond)
}

func TestUnknownConstraintSource(t *testing.T) {
	d := newTestDriver(t, testDeps(t, &ruleClient{}))
	_, err := d.Run(context.Background(), nil, Options{OutputDir: t.TempDir(), Source: "csv"})
	assert.ErrorContains(t, err, `unknown constraint source "csv"`)
}

func TestSummaryFileMatchesReport(t *testing.T) {
	deps := testDeps(t, &ruleClient{})
	state, err := newTestDriver(t, deps).Run(context.Background(), domainCases(t, deps.Engine, 4), Options{OutputDir: t.TempDir()})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(state.OutputDir, journal.SummaryFile))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.EqualValues(t, 4, decoded["total_rows"])
	assert.Contains(t, decoded, "deviation_histogram")
	assert.True(t, strings.Contains(string(data), `"by_life_stage"`))
}
