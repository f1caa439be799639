package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudsage-ai/cloudsage/retrieval"
)

const (
	jinaSearchEndpoint = "https://s.jina.ai/"
	jinaReaderEndpoint = "https://r.jina.ai/"
)

// JinaOptions configure the Jina clients.
type JinaOptions struct {
	SearchEndpoint string
	ReaderEndpoint string
	HTTPClient     *http.Client
}

// JinaSearch is the fallback search provider backed by the Jina search API.
type JinaSearch struct {
	apiKey string
	opts   JinaOptions
}

var _ retrieval.SearchProvider = (*JinaSearch)(nil)

// NewJinaSearch creates a Jina search provider.
func NewJinaSearch(apiKey string, optFns ...func(o *JinaOptions)) *JinaSearch {
	opts := JinaOptions{
		SearchEndpoint: jinaSearchEndpoint,
		ReaderEndpoint: jinaReaderEndpoint,
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &JinaSearch{apiKey: apiKey, opts: opts}
}

// Name implements retrieval.SearchProvider.
func (j *JinaSearch) Name() string { return "jina" }

type jinaSearchResponse struct {
	Data []struct {
		URL         string `json:"url"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Content     string `json:"content"`
	} `json:"data"`
}

// Search implements retrieval.SearchProvider.
func (j *JinaSearch) Search(ctx context.Context, query string, maxResults int) ([]retrieval.SearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.opts.SearchEndpoint+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if j.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+j.apiKey)
	}

	resp, err := j.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jina search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("jina search: status %d: %s", resp.StatusCode, snippet)
	}

	var payload jinaSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding jina response: %w", err)
	}

	out := make([]retrieval.SearchResult, 0, len(payload.Data))
	for i, r := range payload.Data {
		if i >= maxResults {
			break
		}
		desc := r.Description
		if desc == "" {
			desc = firstN(r.Content, 300)
		}
		out = append(out, retrieval.SearchResult{
			URL:         r.URL,
			Title:       r.Title,
			Description: desc,
			// Jina does not score; rank by position instead.
			RawScore: 1.0 - float64(i)*0.1,
		})
	}
	return out, nil
}

// JinaReader scrapes URLs through the Jina reader API, which returns the
// page's main content as plain text.
type JinaReader struct {
	apiKey string
	opts   JinaOptions
}

var _ retrieval.Scraper = (*JinaReader)(nil)

// NewJinaReader creates a Jina reader scraper.
func NewJinaReader(apiKey string, optFns ...func(o *JinaOptions)) *JinaReader {
	opts := JinaOptions{
		SearchEndpoint: jinaSearchEndpoint,
		ReaderEndpoint: jinaReaderEndpoint,
		HTTPClient:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &JinaReader{apiKey: apiKey, opts: opts}
}

// Scrape implements retrieval.Scraper.
func (j *JinaReader) Scrape(ctx context.Context, url string) (*retrieval.ScrapedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.opts.ReaderEndpoint+url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/plain")
	if j.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+j.apiKey)
	}

	resp, err := j.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jina reader %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jina reader %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("jina reader %s: %w", url, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("jina reader %s: empty body", url)
	}

	return &retrieval.ScrapedPage{URL: url, Content: string(body)}, nil
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
