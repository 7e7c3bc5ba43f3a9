package llm

import (
	"context"
	"sync/atomic"

	"github.com/zeromicro/go-zero/core/logx"
)

var verboseLogging atomic.Bool

// SetVerboseLogging toggles whether full prompts and responses are logged.
func SetVerboseLogging(enabled bool) {
	verboseLogging.Store(enabled)
}

func logExchange(ctx context.Context, req ChatRequest, resp *ChatResponse) {
	logger := logx.WithContext(ctx)
	logger.Infof("llm: chat completed model=%s prompt_tokens=%d completion_tokens=%d latency=%s",
		resp.Model, resp.PromptTokens, resp.CompletionTokens, resp.Latency)
	if !verboseLogging.Load() {
		return
	}
	logger.Infof("llm: system prompt=%q", req.System)
	logger.Infof("llm: user message=%q", req.User)
	logger.Infof("llm: response=%q", resp.Content)
}
