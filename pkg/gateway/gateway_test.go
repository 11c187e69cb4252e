package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	key string
	err error
}

func (r *staticResolver) ResolveCredential(ctx context.Context, tenantID, provider, model string) (string, error) {
	return r.key, r.err
}

func TestFactory(t *testing.T) {
	ctx := context.Background()

	t.Run("should build each supported provider", func(t *testing.T) {
		f := NewFactory(&staticResolver{key: "test-key"})

		for _, name := range []string{"openai", "anthropic", "gemini"} {
			p, err := f.Provider(ctx, "tenant-1", name, "some-model")
			require.NoError(t, err)
			assert.Equal(t, name, p.Name())
		}
	})

	t.Run("should reject unknown providers", func(t *testing.T) {
		f := NewFactory(&staticResolver{key: "test-key"})
		_, err := f.Provider(ctx, "tenant-1", "mystery", "m")
		assert.ErrorContains(t, err, "unsupported provider")
	})

	t.Run("should surface credential resolution failure", func(t *testing.T) {
		wantErr := errors.New("no credential configured")
		f := NewFactory(&staticResolver{err: wantErr})
		_, err := f.Provider(ctx, "tenant-1", "openai", "gpt-4o")
		assert.ErrorIs(t, err, wantErr)
	})
}

func TestGeminiProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("should normalize a successful response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.URL.Path, "gemini-1.5-flash:generateContent")
			w.Write([]byte(`{
				"candidates": [{"content": {"role": "model", "parts": [{"text": "Hello "}, {"text": "there"}]}}],
				"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 7}
			}`))
		}))
		defer server.Close()

		p := NewGeminiProvider("key")
		p.baseURL = server.URL

		resp, err := p.Call(ctx, Request{Model: "gemini-1.5-flash", Prompt: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "Hello there", resp.Output)
		assert.Equal(t, int64(12), resp.PromptTokens)
		assert.Equal(t, int64(7), resp.CompletionTokens)
		assert.NotEmpty(t, resp.Raw)
	})

	t.Run("should wrap API errors with provider context", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": {"message": "API key not valid"}}`))
		}))
		defer server.Close()

		p := NewGeminiProvider("bad")
		p.baseURL = server.URL

		_, err := p.Call(ctx, Request{Model: "gemini-1.5-flash", Prompt: "hi"})
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "gemini", pe.Provider)
		assert.Contains(t, pe.Message, "API key not valid")
	})

	t.Run("should fail on empty candidates", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"candidates": []}`))
		}))
		defer server.Close()

		p := NewGeminiProvider("key")
		p.baseURL = server.URL

		_, err := p.Call(ctx, Request{Model: "gemini-1.5-flash", Prompt: "hi"})
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Contains(t, pe.Message, "no candidates")
	})
}
