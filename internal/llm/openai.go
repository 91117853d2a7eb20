package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// Message is the provider-agnostic chat message shape C4 builds its prompt
// out of, and that LogRedactedPrompt/LogRedactedResponse log a redacted copy
// of.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client wraps an OpenAI-compatible chat-completions endpoint. Embeddings go
// through internal/embedding instead.
type Client struct {
	client  openai.Client
	timeout time.Duration
}

// NewClient builds a Client pointed at baseURL with apiKey, matching any
// OpenAI-compatible provider. One Client serves every tenant; it is built
// once from the process-wide LLM configuration.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{client: openai.NewClient(opts...), timeout: timeout}
}

// CompletionResult carries the assistant text plus usage for Job/metric
// bookkeeping.
type CompletionResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// ChatCompletion calls POST /chat/completions with the given messages,
// model, temperature and maxTokens (spec §6). An empty returned content is
// treated as a failure, per spec §4.4.
func (c *Client) ChatCompletion(ctx context.Context, model string, messages []Message, temperature float64, maxTokens int) (CompletionResult, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	LogRedactedPrompt(ctx, messages)
	spanCtx, span := StartRequestSpan(ctx, "chat.completions", model, 0, len(messages))
	defer span.End()

	start := time.Now()
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(temperature),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	resp, err := c.client.Chat.Completions.New(cctx, params)
	duration := time.Since(start)
	_ = spanCtx
	if err != nil {
		RecordTrace("chat.completions", model, "error", duration)
		return CompletionResult{}, fmt.Errorf("chat completion: %w", err)
	}
	RecordTrace("chat.completions", model, "ok", duration)

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return CompletionResult{}, fmt.Errorf("chat completion: empty response")
	}

	result := CompletionResult{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	LogRedactedResponse(ctx, result)
	RecordTokenMetrics(model, result.PromptTokens, result.CompletionTokens)
	RecordTokenAttributes(span, result.PromptTokens, result.CompletionTokens, result.PromptTokens+result.CompletionTokens)
	return result, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
