package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/dnaeon/go-vcr/recorder"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calibrationPayload = `{"params":{"life_stage":"单身青年","risk_level":"C3","need":"增值"},"constraints":{"cash_min":5,"sigma_cap":0.2,"risk_asset_max":80},"message":"请生成资产配置权重。"}`

func replayClient(t *testing.T, cassette string, cfg *Config) *OpenAIClient {
	t.Helper()
	r, err := recorder.NewAsMode("testdata/"+cassette, recorder.ModeReplaying, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Stop() })

	if cfg == nil {
		cfg = testConfig(t)
	}
	client, err := NewClient(cfg,
		option.WithHTTPClient(&http.Client{Transport: r}),
		option.WithMaxRetries(0),
	)
	require.NoError(t, err)
	return client
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	clearEnv(t)
	cfg := &Config{APIKey: "sk-test", MaxRetries: -1, Temperature: -1}
	require.NoError(t, cfg.Normalize())
	return cfg
}

func TestChatReplaysCompletion(t *testing.T) {
	client := replayClient(t, "chat_success", nil)

	resp, err := client.Chat(context.Background(), ChatRequest{
		System: "你是一名资产配置顾问。",
		User:   calibrationPayload,
	})
	require.NoError(t, err)

	assert.Contains(t, resp.Content, `"w_bond": 45`)
	assert.Equal(t, DefaultModel, resp.Model)
	assert.EqualValues(t, 812, resp.PromptTokens)
	assert.EqualValues(t, 48, resp.CompletionTokens)
	assert.EqualValues(t, 860, resp.TotalTokens)
}

func TestChatUnauthorizedIsAPIError(t *testing.T) {
	client := replayClient(t, "chat_unauthorized", nil)

	_, err := client.Chat(context.Background(), ChatRequest{System: "s", User: "u"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAPI))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "status 401")
}

func TestChatWithoutChoicesIsAPIError(t *testing.T) {
	client := replayClient(t, "chat_no_choices", nil)

	_, err := client.Chat(context.Background(), ChatRequest{System: "s", User: "u"})
	require.ErrorIs(t, err, ErrAPI)
	assert.ErrorContains(t, err, "no choices")
}

func TestChatRefusedOnceBudgetIsSpent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Budget = &BudgetConfig{TokenLimit: 500, StrictEnforcement: true}
	client := replayClient(t, "chat_success", cfg)

	_, err := client.Chat(context.Background(), ChatRequest{System: "你是一名资产配置顾问。", User: calibrationPayload})
	require.NoError(t, err, "the call that crosses the limit still returns its completion")
	assert.EqualValues(t, 860, client.Budget().Snapshot().UsedTokens)

	_, err = client.Chat(context.Background(), ChatRequest{System: "s", User: "u"})
	require.ErrorIs(t, err, ErrAPI)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestNewClientRequiresKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIKey = " "
	_, err := NewClient(cfg)
	assert.ErrorContains(t, err, "DASHSCOPE_API_KEY")

	_, err = NewClient(nil)
	assert.Error(t, err)
}
