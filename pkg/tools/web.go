package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxFetchBytes = 1 << 20 // 1 MiB response cap

// HTTPGet fetches a URL and returns status, headers of interest and body.
// Only http and https schemes are allowed.
type HTTPGet struct {
	client *http.Client
}

// NewHTTPGet creates the http_get tool
func NewHTTPGet() *HTTPGet {
	return &HTTPGet{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPGet) ID() string {
	return "http_get"
}

func (t *HTTPGet) Description() string {
	return "Fetches a URL over HTTP GET and returns the response body"
}

type httpGetInput struct {
	URL string `json:"url"`
}

type httpGetOutput struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
	Truncated   bool   `json:"truncated"`
}

// Invoke performs the GET request
func (t *HTTPGet) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in httpGetInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	parsed, err := url.Parse(in.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	out := httpGetOutput{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(body),
	}
	if len(body) > maxFetchBytes {
		out.Body = string(body[:maxFetchBytes])
		out.Truncated = true
	}
	return json.Marshal(out)
}

// WebSearch answers search queries. The default implementation returns
// canned results from a fixture map; production deployments plug in a real
// backend through the SearchFunc.
type WebSearch struct {
	Search SearchFunc
}

// SearchFunc resolves a query to result snippets
type SearchFunc func(ctx context.Context, query string) ([]SearchResult, error)

// SearchResult is one search hit
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// NewWebSearch creates the web_search tool with the given backend. A nil
// backend answers every query with an empty result set.
func NewWebSearch(search SearchFunc) *WebSearch {
	if search == nil {
		search = func(ctx context.Context, query string) ([]SearchResult, error) {
			return []SearchResult{}, nil
		}
	}
	return &WebSearch{Search: search}
}

func (t *WebSearch) ID() string {
	return "web_search"
}

func (t *WebSearch) Description() string {
	return "Searches the web and returns result snippets"
}

type webSearchInput struct {
	Query string `json:"query"`
}

type webSearchOutput struct {
	Results []SearchResult `json:"results"`
}

// Invoke runs the search backend
func (t *WebSearch) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in webSearchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	results, err := t.Search(ctx, in.Query)
	if err != nil {
		return nil, err
	}
	return json.Marshal(webSearchOutput{Results: results})
}
