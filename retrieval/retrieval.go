// Package retrieval gathers grounding material for answer generation from
// two branches: live web search with scraping, and the curated knowledge
// base. The branches fan out concurrently and join tolerantly, so one
// failing branch never sinks the other.
package retrieval

import "context"

// SearchResult is one candidate URL from a search provider.
type SearchResult struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	RawScore    float64 `json:"raw_score"`
	Query       string  `json:"query"`
}

// ScoredURL is a search result with its relevance confidence attached.
type ScoredURL struct {
	SearchResult
	Confidence float64 `json:"confidence"`
}

// ScrapedPage is the usable content extracted from one URL.
type ScrapedPage struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
}

// WebResult is the full output of the web branch.
type WebResult struct {
	Candidates       []ScoredURL        `json:"candidates"`
	Pages            []ScrapedPage      `json:"pages"`
	ConfidenceScores map[string]float64 `json:"confidence_scores"`
	UsedFallback     bool               `json:"used_fallback"`
}

// KBAnswer is the outcome of one knowledge-base question.
type KBAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Success  bool   `json:"success"`
}

// SearchProvider returns candidate URLs for a query.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// Scraper fetches the readable content of a URL.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*ScrapedPage, error)
}

// KnowledgeBase answers a single question from the curated index.
type KnowledgeBase interface {
	Query(ctx context.Context, question string) (string, error)
}
