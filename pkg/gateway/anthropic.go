package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider implements Provider for the Anthropic messages API
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Call makes a messages request and normalizes the result
func (p *AnthropicProvider) Call(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	start := time.Now()
	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: err.Error(), Err: err}
	}

	output := ""
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			output += text.Text
		}
	}

	raw, _ := json.Marshal(message)
	return &Response{
		Output:           output,
		PromptTokens:     message.Usage.InputTokens,
		CompletionTokens: message.Usage.OutputTokens,
		LatencyMs:        time.Since(start).Milliseconds(),
		Raw:              raw,
	}, nil
}
