// Package websearch backs the built-in web_search agent tool with the
// Brave Search API.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const ProviderBrave = "brave"

const defaultMaxResults = 5

// Hit is one search result.
type Hit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Result is a completed search.
type Result struct {
	Provider string `json:"provider"`
	Query    string `json:"query"`
	Hits     []Hit  `json:"hits"`
}

// Options configure a Client.
type Options struct {
	// Provider selects the backend. Empty means brave.
	Provider string

	// MaxResults caps hits per search. Zero uses the default; the hard
	// ceiling is 10.
	MaxResults int

	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Client performs web searches against one provider.
type Client struct {
	provider string
	apiKey   string
	max      int
	http     *http.Client
}

// New builds a search client. The API key is required.
func New(apiKey string, optFns ...func(o *Options)) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("missing web search api key")
	}
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	provider := strings.TrimSpace(strings.ToLower(opts.Provider))
	if provider == "" {
		provider = ProviderBrave
	}
	if provider != ProviderBrave {
		return nil, fmt.Errorf("unsupported web search provider %q", provider)
	}
	max := opts.MaxResults
	if max <= 0 {
		max = defaultMaxResults
	}
	if max > 10 {
		max = 10
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{provider: provider, apiKey: apiKey, max: max, http: httpClient}, nil
}

// Search runs one query. count caps hits for this call; zero uses the
// client's configured maximum.
func (c *Client) Search(ctx context.Context, query string, count int) (*Result, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("missing query")
	}
	if count <= 0 || count > c.max {
		count = c.max
	}
	return c.brave(ctx, query, count)
}

// ToolFunc adapts the client to the agent engine's tool signature.
// Arguments: {"query": string, "count": number (optional)}.
func (c *Client) ToolFunc() func(ctx context.Context, args map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		count := 0
		if n, ok := args["count"].(float64); ok {
			count = int(n)
		}
		return c.Search(ctx, query, count)
	}
}
