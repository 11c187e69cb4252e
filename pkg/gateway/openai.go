package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider for the OpenAI chat completions API
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Call makes a chat completion request and normalizes the result
func (p *OpenAIProvider) Call(ctx context.Context, req Request) (*Response, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	start := time.Now()
	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: err.Error(), Err: err}
	}

	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Message: "no response choices returned"}
	}

	raw, _ := json.Marshal(completion)
	return &Response{
		Output:           completion.Choices[0].Message.Content,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		LatencyMs:        time.Since(start).Milliseconds(),
		Raw:              raw,
	}, nil
}
