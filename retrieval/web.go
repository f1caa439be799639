package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cloudsage-ai/cloudsage/internal/textutil"
	"github.com/cloudsage-ai/cloudsage/logging"
	"github.com/cloudsage-ai/cloudsage/model"
)

// WebOptions configure the web retriever.
type WebOptions struct {
	// MaxQueries caps how many search queries run per request.
	MaxQueries int

	// ResultsPerQuery is passed to the search providers.
	ResultsPerQuery int

	// ConfidenceThreshold drops URLs scored below it.
	ConfidenceThreshold float64

	// TopURLs is how many scored URLs proceed to scraping.
	TopURLs int

	// ScrapeConcurrency bounds simultaneous scrapes.
	ScrapeConcurrency int

	// TokenBudget is the total token allowance across all scraped pages,
	// split evenly per selected URL.
	TokenBudget int

	// RetryRounds is how many extra scrape rounds failed URLs get.
	RetryRounds int

	// ScoreRetries is how many extra attempts the URL scoring call gets
	// before the deterministic fallback kicks in.
	ScoreRetries int

	Logger logging.Logger
}

// WebRetriever runs the search, relevance-scoring, and scrape phases of the
// web branch.
type WebRetriever struct {
	primary   SearchProvider
	secondary SearchProvider
	scraper   Scraper
	completer model.Completer
	opts      WebOptions
}

// NewWebRetriever creates a web retriever. The secondary provider may be
// nil, disabling search fallback.
func NewWebRetriever(primary, secondary SearchProvider, scraper Scraper, completer model.Completer, optFns ...func(o *WebOptions)) *WebRetriever {
	opts := WebOptions{
		MaxQueries:          3,
		ResultsPerQuery:     5,
		ConfidenceThreshold: 0.6,
		TopURLs:             5,
		ScrapeConcurrency:   3,
		TokenBudget:         20000,
		RetryRounds:         2,
		ScoreRetries:        2,
		Logger:              logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &WebRetriever{
		primary:   primary,
		secondary: secondary,
		scraper:   scraper,
		completer: completer,
		opts:      opts,
	}
}

// SearchAndScrape runs the full web branch for the given queries.
// originalQuery and enhancedQuestion give the scoring model context for
// what "relevant" means.
func (w *WebRetriever) SearchAndScrape(ctx context.Context, queries []string, originalQuery, enhancedQuestion string) (*WebResult, error) {
	candidates := w.search(ctx, queries)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("web search returned no results for %d queries", len(queries))
	}

	scored, usedFallback := w.scoreURLs(ctx, candidates, originalQuery, enhancedQuestion)
	selected := w.selectTop(scored)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no URLs above confidence threshold %.2f", w.opts.ConfidenceThreshold)
	}

	pages := w.scrape(ctx, selected)

	scores := make(map[string]float64, len(scored))
	for _, s := range scored {
		scores[s.URL] = s.Confidence
	}

	return &WebResult{
		Candidates:       scored,
		Pages:            pages,
		ConfidenceScores: scores,
		UsedFallback:     usedFallback,
	}, nil
}

// search fans queries across the primary provider, falling back to the
// secondary per query when the primary returns nothing. Results are
// deduplicated by URL across all queries.
func (w *WebRetriever) search(ctx context.Context, queries []string) []SearchResult {
	if len(queries) > w.opts.MaxQueries {
		queries = queries[:w.opts.MaxQueries]
	}

	seen := make(map[string]struct{})
	var out []SearchResult

	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}

		results, err := w.primary.Search(ctx, q, w.opts.ResultsPerQuery)
		if err != nil || len(results) == 0 {
			if err != nil {
				w.opts.Logger.Warn("primary search failed", "provider", w.primary.Name(), "query", q, "error", err)
			}
			if w.secondary != nil {
				results, err = w.secondary.Search(ctx, q, w.opts.ResultsPerQuery)
				if err != nil {
					w.opts.Logger.Warn("fallback search failed", "provider", w.secondary.Name(), "query", q, "error", err)
					continue
				}
			}
		}

		for _, r := range results {
			if _, dup := seen[r.URL]; dup || r.URL == "" {
				continue
			}
			seen[r.URL] = struct{}{}
			r.Query = q
			out = append(out, r)
		}
	}
	return out
}

type urlScorePayload struct {
	Scores []struct {
		Index      int     `json:"index"`
		Confidence float64 `json:"confidence"`
	} `json:"scores"`
}

const scoringSystem = `You judge how useful web pages are for answering a technical question,
using only their title, description and URL. Favor official documentation,
engineering blogs, and forum threads with concrete detail. Penalize generic
marketing and landing pages. Score each candidate 0.0-1.0 and respond with
JSON only: {"scores":[{"index":0,"confidence":0.0}, ...]}`

// scoreURLs asks the model for a relevance confidence per candidate. After
// the retry budget is exhausted it degrades to ranking by the provider's
// raw score, reported via the second return value.
func (w *WebRetriever) scoreURLs(ctx context.Context, candidates []SearchResult, originalQuery, enhancedQuestion string) ([]ScoredURL, bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", originalQuery)
	if enhancedQuestion != "" && enhancedQuestion != originalQuery {
		fmt.Fprintf(&b, "Refined question: %s\n", enhancedQuestion)
	}
	b.WriteString("\nCandidates:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. title: %s\n   description: %s\n   url: %s\n", i, c.Title, c.Description, c.URL)
	}

	var lastErr error
	for attempt := 0; attempt <= w.opts.ScoreRetries; attempt++ {
		payload, err := model.Structured[urlScorePayload](ctx, w.completer,
			model.UserRequest(scoringSystem, b.String()))
		if err != nil {
			lastErr = err
			continue
		}

		scored := make([]ScoredURL, len(candidates))
		for i, c := range candidates {
			scored[i] = ScoredURL{SearchResult: c}
		}
		for _, s := range payload.Scores {
			if s.Index < 0 || s.Index >= len(scored) {
				continue
			}
			scored[s.Index].Confidence = clamp01(s.Confidence)
		}
		return scored, false
	}

	w.opts.Logger.Warn("url scoring failed, ranking by provider score", "error", lastErr)
	scored := make([]ScoredURL, len(candidates))
	for i, c := range candidates {
		scored[i] = ScoredURL{SearchResult: c, Confidence: clamp01(c.RawScore)}
	}
	return scored, true
}

// selectTop takes the highest-confidence URLs above the threshold, at most
// TopURLs of them.
func (w *WebRetriever) selectTop(scored []ScoredURL) []ScoredURL {
	sorted := append([]ScoredURL{}, scored...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	var out []ScoredURL
	for _, s := range sorted {
		if s.Confidence < w.opts.ConfidenceThreshold {
			break
		}
		out = append(out, s)
		if len(out) == w.opts.TopURLs {
			break
		}
	}
	return out
}

// scrape fetches the selected URLs under bounded concurrency, truncating
// each page to its even share of the token budget. Failed URLs get extra
// rounds until the retry budget runs out or every selected URL succeeded.
func (w *WebRetriever) scrape(ctx context.Context, selected []ScoredURL) []ScrapedPage {
	perURLBudget := w.opts.TokenBudget / len(selected)

	var (
		mu    sync.Mutex
		pages []ScrapedPage
	)

	remaining := make([]ScoredURL, len(selected))
	copy(remaining, selected)

	for round := 0; round <= w.opts.RetryRounds && len(remaining) > 0; round++ {
		var (
			failedMu sync.Mutex
			failed   []ScoredURL
		)

		sem := make(chan struct{}, w.opts.ScrapeConcurrency)
		var wg sync.WaitGroup

		for _, target := range remaining {
			wg.Add(1)
			go func(target ScoredURL) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				page, err := w.scraper.Scrape(ctx, target.URL)
				if err != nil {
					w.opts.Logger.Warn("scrape failed", "url", target.URL, "round", round, "error", err)
					failedMu.Lock()
					failed = append(failed, target)
					failedMu.Unlock()
					return
				}

				page.Content = textutil.TruncateTokens(page.Content, perURLBudget)
				page.Tokens = textutil.EstimateTokens(page.Content)

				mu.Lock()
				pages = append(pages, *page)
				mu.Unlock()
			}(target)
		}
		wg.Wait()

		if len(pages) >= len(selected) {
			break
		}
		remaining = failed
	}

	return pages
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
