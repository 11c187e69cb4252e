package gateway

import (
	"context"
	"fmt"
)

// Request is the normalized model invocation. The engine never speaks a
// provider dialect directly; the gateway translates.
type Request struct {
	Model       string
	Prompt      string
	System      string
	Temperature float64
	MaxTokens   int
}

// Response is the provider-agnostic result every provider normalizes into
type Response struct {
	Output           string
	PromptTokens     int64
	CompletionTokens int64
	LatencyMs        int64
	Raw              []byte
}

// Provider calls one model backend
type Provider interface {
	Call(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// ProviderError preserves the raw provider failure for the run record
type ProviderError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// CredentialResolver looks up the API key for a provider on behalf of a
// tenant. A missing credential is a configuration failure, never a silent
// fallback.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, tenantID, provider, model string) (string, error)
}

// Factory builds providers per tenant using resolved credentials. Provider
// instances are cheap; no caching needed.
type Factory struct {
	resolver CredentialResolver
}

// NewFactory creates a provider factory backed by a credential resolver
func NewFactory(resolver CredentialResolver) *Factory {
	return &Factory{resolver: resolver}
}

// Provider resolves credentials and constructs the named provider
func (f *Factory) Provider(ctx context.Context, tenantID, provider, model string) (Provider, error) {
	apiKey, err := f.resolver.ResolveCredential(ctx, tenantID, provider, model)
	if err != nil {
		return nil, err
	}

	switch provider {
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "gemini":
		return NewGeminiProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
