package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptlab/pkg/rules"
	"promptlab/pkg/validator"
)

func TestReaderLatest(t *testing.T) {
	dir := t.TempDir()
	r := NewReader(dir)

	write := func(day, name string, rec RunRecord) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, day), 0o755))
		data, err := json.Marshal(rec)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, day, name), append(data, '\n'), 0o600))
	}

	write("2026-01-01", "run_002.jsonl", RunRecord{RunID: "a2"})
	write("2026-01-01", "run_010.jsonl", RunRecord{RunID: "a10"})
	write("2026-01-02", "run_001.jsonl", RunRecord{RunID: "b1"})
	write("2026-01-02", "notes.txt", RunRecord{})
	write("batch_20260102_101010", "run_001.jsonl", RunRecord{RunID: "ignored"})

	recs, err := r.Latest(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b1", recs[0].RunID)

	recs, err = r.Latest(0)
	require.NoError(t, err)
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.RunID)
	}
	assert.Equal(t, []string{"a2", "a10", "b1"}, ids)
}

func TestReaderMissingDir(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "absent")).List(0)
	assert.Error(t, err)
}

func TestRunLoggerNumbersAndArtifacts(t *testing.T) {
	dir := t.TempDir()
	logger := NewRunLogger(dir)
	logger.now = func() time.Time { return time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC) }

	vol := 0.1035812
	rec := &RunRecord{
		RunID:        "r1",
		Params:       rules.Profile{LifeStage: "单身青年", RiskLevel: "C3", Need: "增值"},
		Constraints:  rules.Constraints{CashMin: 5, SigmaCap: 0.2, RiskAssetMax: 80},
		SystemPrompt: "system text",
		UserPayload:  map[string]any{"message": "请生成资产配置权重。"},
		Response:     `{"weights":{}}`,
		Validation:   &validator.Result{ComputedVol: &vol, Passed: true},
	}
	first, err := logger.Log(rec)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2026-03-04", "run_001.jsonl"), first)
	assert.Equal(t, 1, rec.RunNumber)

	artifacts := filepath.Join(dir, "2026-03-04", "run_001_artifacts")
	for _, name := range []string{"system_prompt.txt", "user_payload.json", "raw_response.txt", "validation.json"} {
		assert.FileExists(t, filepath.Join(artifacts, name))
	}
	payload, err := os.ReadFile(filepath.Join(artifacts, "user_payload.json"))
	require.NoError(t, err)
	assert.Contains(t, string(payload), "请生成资产配置权重。")

	second, err := logger.Log(&RunRecord{RunID: "r2", DryRun: true, SystemPrompt: "s"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2026-03-04", "run_002.jsonl"), second)
	assert.NoFileExists(t, filepath.Join(dir, "2026-03-04", "run_002_artifacts", "raw_response.txt"))

	loaded, err := NewReader(dir).Load(first)
	require.NoError(t, err)
	assert.Equal(t, "r1", loaded.RunID)
	assert.Equal(t, rec.Constraints, loaded.Constraints)
	require.NotNil(t, loaded.Validation)
	assert.True(t, loaded.Validation.Passed)
}
