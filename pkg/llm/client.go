package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/zeromicro/go-zero/core/logx"
)

// ErrAPI marks every failure to obtain a completion: transport, HTTP status,
// quota, empty output or an exhausted budget.
var ErrAPI = errors.New("api error")

// APIError describes one failed completion call.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAPI}
	}
	return []error{ErrAPI, e.Err}
}

// ChatRequest is one system + user exchange. Zero Temperature and MaxTokens
// fall back to the client's configuration.
type ChatRequest struct {
	System      string
	User        string
	Temperature *float64
	MaxTokens   int
}

// ChatResponse is the assistant text plus usage accounting.
type ChatResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	TotalTokens      int64         `json:"total_tokens"`
	Latency          time.Duration `json:"latency"`
}

// Client sends chat completions.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// OpenAIClient talks to an OpenAI-compatible endpoint such as DashScope's
// compatible mode.
type OpenAIClient struct {
	cfg    *Config
	api    openai.Client
	budget *Budget
	now    func() time.Time
}

// NewClient builds a client from cfg. Extra options are applied last.
func NewClient(cfg *Config, opts ...option.RequestOption) (*OpenAIClient, error) {
	if cfg == nil {
		return nil, errors.New("llm: config is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm: api key is required (set %s)", envAPIKey)
	}
	base := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithRequestTimeout(cfg.Timeout),
	}
	return &OpenAIClient{
		cfg:    cfg,
		api:    openai.NewClient(append(base, opts...)...),
		budget: NewBudget(cfg.Budget),
		now:    time.Now,
	}, nil
}

// Budget exposes the run budget, nil when unlimited.
func (c *OpenAIClient) Budget() *Budget { return c.budget }

// Chat sends req and returns the first choice.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := c.budget.Allow(); err != nil {
		return nil, &APIError{Message: err.Error(), Err: err}
	}

	temperature := c.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := c.cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(int64(maxTokens)),
	}

	started := c.now()
	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapAPIError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &APIError{Message: "response contained no choices"}
	}

	resp := &ChatResponse{
		Content:          completion.Choices[0].Message.Content,
		Model:            completion.Model,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		TotalTokens:      completion.Usage.TotalTokens,
		Latency:          c.now().Sub(started),
	}
	if resp.Model == "" {
		resp.Model = c.cfg.Model
	}
	logExchange(ctx, req, resp)

	snap, err := c.budget.Record(resp.Model, resp.TotalTokens)
	if snap.AlertTriggered {
		logx.WithContext(ctx).Infof("llm: token budget at %.1f%% used=%d limit=%d", snap.UsagePct, snap.UsedTokens, snap.Limit)
	}
	if err != nil {
		// the completion is still usable; later calls are refused by Allow
		logx.WithContext(ctx).Errorf("llm: budget exceeded used=%d limit=%d", snap.UsedTokens, snap.Limit)
	}
	return resp, nil
}

func wrapAPIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = statusText(apiErr.StatusCode)
		}
		return &APIError{StatusCode: apiErr.StatusCode, Message: msg, Err: err}
	}
	return &APIError{Message: err.Error(), Err: err}
}

func statusText(code int) string {
	switch {
	case code == 401 || code == 403:
		return "authentication failed"
	case code == 429:
		return "rate limited or quota exhausted"
	case code >= 500:
		return "upstream server error"
	default:
		return "request rejected"
	}
}
