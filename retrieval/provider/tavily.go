// Package provider contains the concrete search and scrape collaborators
// used by the retrieval layer: the Tavily search API, the Jina search and
// reader APIs, and a plain HTTP scraper with HTML text extraction.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudsage-ai/cloudsage/retrieval"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// TavilyOptions configure the Tavily client.
type TavilyOptions struct {
	Endpoint    string
	SearchDepth string
	HTTPClient  *http.Client
}

// Tavily is a search provider backed by the Tavily API.
type Tavily struct {
	apiKey string
	opts   TavilyOptions
}

var _ retrieval.SearchProvider = (*Tavily)(nil)

// NewTavily creates a Tavily search provider.
func NewTavily(apiKey string, optFns ...func(o *TavilyOptions)) *Tavily {
	opts := TavilyOptions{
		Endpoint:    tavilyEndpoint,
		SearchDepth: "basic",
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Tavily{apiKey: apiKey, opts: opts}
}

// Name implements retrieval.SearchProvider.
func (t *Tavily) Name() string { return "tavily" }

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []struct {
		URL     string  `json:"url"`
		Title   string  `json:"title"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search implements retrieval.SearchProvider.
func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]retrieval.SearchResult, error) {
	body, err := json.Marshal(tavilyRequest{
		APIKey:      t.apiKey,
		Query:       query,
		SearchDepth: t.opts.SearchDepth,
		MaxResults:  maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding tavily request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tavily search: status %d: %s", resp.StatusCode, snippet)
	}

	var payload tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding tavily response: %w", err)
	}

	out := make([]retrieval.SearchResult, 0, len(payload.Results))
	for _, r := range payload.Results {
		out = append(out, retrieval.SearchResult{
			URL:         r.URL,
			Title:       r.Title,
			Description: r.Content,
			RawScore:    r.Score,
		})
	}
	return out, nil
}
