package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptlab/internal/model"
	"promptlab/pkg/journal"
	"promptlab/pkg/rules"
	"promptlab/pkg/validator"
)

func openTestSink(t *testing.T) *Service {
	t.Helper()
	svc, err := Open(context.Background(), Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "rows.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func sampleRow(runID string, row int, status journal.Status) *journal.RowRecord {
	vol := 0.1036
	latency := 812.5
	return &journal.RowRecord{
		RunID:                 runID,
		Row:                   row,
		Timestamp:             time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		LifeStage:             "单身青年",
		RiskLevel:             "C3",
		Need:                  "增值",
		Status:                status,
		ConstraintsSource:     "internal",
		ConstraintsConsistent: true,
		Constraints:           &rules.Constraints{CashMin: 5, SigmaCap: 0.2, RiskAssetMax: 80},
		PromptVersion:         "v001",
		LLMWeights:            &validator.Weights{Cash: 5, Bond: 45, Equity: 40, Commodity: 10},
		Deviation:             &journal.Deviation{Cash: -5, Bond: 5, TotalAbsDiff: 10, MaxSingleDiff: 5},
		ComputedVol:           &vol,
		APILatencyMS:          &latency,
		TotalTokens:           860,
		Passed:                status == journal.StatusSuccess,
		Errors:                []string{},
	}
}

func TestPutUpsertsByRunAndRow(t *testing.T) {
	ctx := context.Background()
	svc := openTestSink(t)

	require.NoError(t, svc.Put(ctx, sampleRow("run-a", 0, journal.StatusAPIError)))
	require.NoError(t, svc.Put(ctx, sampleRow("run-a", 1, journal.StatusSuccess)))
	require.NoError(t, svc.Put(ctx, sampleRow("run-a", 0, journal.StatusSuccess)))
	require.NoError(t, svc.Put(ctx, sampleRow("run-b", 0, journal.StatusDryRun)))

	rows, err := svc.Rows(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, journal.StatusSuccess, rows[0].Status, "second write replaces the first")
	assert.Equal(t, 1, rows[1].Row)
	assert.Equal(t, "单身青年", rows[0].LifeStage)
	assert.Equal(t, 10, rows[0].Deviation.TotalAbsDiff)

	one, err := svc.Row(ctx, "run-b", 0)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusDryRun, one.Status)

	_, err = svc.Row(ctx, "run-b", 9)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPruneDropsRowsFromCursor(t *testing.T) {
	ctx := context.Background()
	svc := openTestSink(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Put(ctx, sampleRow("run-a", i, journal.StatusSuccess)))
	}
	require.NoError(t, svc.Put(ctx, sampleRow("run-b", 4, journal.StatusSuccess)))

	require.NoError(t, svc.Prune(ctx, "run-a", 3))

	rows, err := svc.Rows(ctx, "run-a")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	other, err := svc.Rows(ctx, "run-b")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestSyncMirrorsOutputDirectory(t *testing.T) {
	ctx := context.Background()
	svc := openTestSink(t)
	dir := t.TempDir()

	log, err := journal.OpenLog(filepath.Join(dir, journal.LogFile))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, log.Append(sampleRow("run-sync", i, journal.StatusSuccess)))
	}
	require.NoError(t, log.Close())

	n, err := svc.Sync(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows, err := svc.Rows(ctx, "run-sync")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestSyncRejectsRowWithoutRunID(t *testing.T) {
	ctx := context.Background()
	svc := openTestSink(t)
	dir := t.TempDir()

	log, err := journal.OpenLog(filepath.Join(dir, journal.LogFile))
	require.NoError(t, err)
	require.NoError(t, log.Append(sampleRow("run-x", 0, journal.StatusSuccess)))
	require.NoError(t, log.Append(sampleRow("", 1, journal.StatusSuccess)))
	require.NoError(t, log.Close())

	_, err = svc.Sync(ctx, dir)
	require.ErrorContains(t, err, "run id required")

	rows, err := svc.Rows(ctx, "run-x")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "sqlite"})
	assert.ErrorContains(t, err, "dsn is required")

	_, err = Open(context.Background(), Config{Driver: "mysql", DSN: "x"})
	assert.ErrorContains(t, err, `unsupported driver "mysql"`)
}

func TestDialectForDriverNames(t *testing.T) {
	d, err := model.DialectFor("pgx")
	require.NoError(t, err)
	assert.Equal(t, model.DialectPostgres, d)
	assert.False(t, Config{DSN: "  "}.Enabled())
}
