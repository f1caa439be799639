package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsage-ai/cloudsage/internal/textutil"
	"github.com/cloudsage-ai/cloudsage/model/mock"
)

type fakeProvider struct {
	name    string
	results map[string][]SearchResult
	err     error
	calls   int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

type fakeScraper struct {
	mu       sync.Mutex
	content  map[string]string
	failures map[string]int // failures remaining per URL
	inFlight int32
	maxSeen  int32
}

func (f *fakeScraper) Scrape(ctx context.Context, url string) (*ScrapedPage, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}

	f.mu.Lock()
	remaining := f.failures[url]
	if remaining > 0 {
		f.failures[url] = remaining - 1
		f.mu.Unlock()
		return nil, errors.New("scrape failed")
	}
	content := f.content[url]
	f.mu.Unlock()

	if content == "" {
		return nil, fmt.Errorf("no content for %s", url)
	}
	return &ScrapedPage{URL: url, Content: content}, nil
}

func result(url string, score float64) SearchResult {
	return SearchResult{URL: url, Title: "title " + url, Description: "desc", RawScore: score}
}

func scoresJSON(confidences ...float64) string {
	parts := make([]string, len(confidences))
	for i, c := range confidences {
		parts[i] = fmt.Sprintf(`{"index":%d,"confidence":%.2f}`, i, c)
	}
	return `{"scores":[` + strings.Join(parts, ",") + `]}`
}

func TestSearchFallsBackAndDeduplicates(t *testing.T) {
	primary := &fakeProvider{name: "primary", results: map[string][]SearchResult{
		"q1": {result("https://a", 0.9), result("https://b", 0.8)},
		// q2 returns nothing from primary
	}}
	secondary := &fakeProvider{name: "secondary", results: map[string][]SearchResult{
		"q2": {result("https://a", 0.7), result("https://c", 0.6)},
	}}

	w := NewWebRetriever(primary, secondary, &fakeScraper{}, mock.NewCompleter("unused"))
	got := w.search(context.Background(), []string{"q1", "q2"})

	urls := make([]string, len(got))
	for i, r := range got {
		urls[i] = r.URL
	}
	assert.Equal(t, []string{"https://a", "https://b", "https://c"}, urls)
}

func TestSearchCapsQueries(t *testing.T) {
	primary := &fakeProvider{name: "primary", results: map[string][]SearchResult{}}
	w := NewWebRetriever(primary, nil, &fakeScraper{}, mock.NewCompleter("unused"))

	w.search(context.Background(), []string{"a", "b", "c", "d", "e"})
	assert.Equal(t, int32(3), atomic.LoadInt32(&primary.calls))
}

func TestScoreURLsFallbackUsesRawScore(t *testing.T) {
	w := NewWebRetriever(nil, nil, &fakeScraper{}, mock.NewFailingCompleter(errors.New("llm down")),
		func(o *WebOptions) { o.ScoreRetries = 1 })

	candidates := []SearchResult{result("https://a", 0.9), result("https://b", 0.3)}
	scored, usedFallback := w.scoreURLs(context.Background(), candidates, "q", "")

	assert.True(t, usedFallback)
	require.Len(t, scored, 2)
	assert.InDelta(t, 0.9, scored[0].Confidence, 1e-9)
	assert.InDelta(t, 0.3, scored[1].Confidence, 1e-9)
}

func TestSelectTopAppliesThresholdAndK(t *testing.T) {
	w := NewWebRetriever(nil, nil, &fakeScraper{}, mock.NewCompleter("unused"), func(o *WebOptions) {
		o.TopURLs = 2
		o.ConfidenceThreshold = 0.6
	})

	scored := []ScoredURL{
		{SearchResult: result("https://low", 0), Confidence: 0.5},
		{SearchResult: result("https://high", 0), Confidence: 0.95},
		{SearchResult: result("https://mid", 0), Confidence: 0.7},
		{SearchResult: result("https://alsohigh", 0), Confidence: 0.9},
	}

	selected := w.selectTop(scored)
	require.Len(t, selected, 2)
	assert.Equal(t, "https://high", selected[0].URL)
	assert.Equal(t, "https://alsohigh", selected[1].URL)
}

func TestScrapeRespectsTokenBudget(t *testing.T) {
	long := strings.Repeat("lorem ipsum dolor sit amet ", 500)
	scraper := &fakeScraper{content: map[string]string{
		"https://a": long, "https://b": long,
	}}

	w := NewWebRetriever(nil, nil, scraper, mock.NewCompleter("unused"), func(o *WebOptions) {
		o.TokenBudget = 200
	})

	selected := []ScoredURL{
		{SearchResult: result("https://a", 0), Confidence: 0.9},
		{SearchResult: result("https://b", 0), Confidence: 0.8},
	}
	pages := w.scrape(context.Background(), selected)

	require.Len(t, pages, 2)
	total := 0
	for _, p := range pages {
		assert.LessOrEqual(t, p.Tokens, 100)
		total += textutil.EstimateTokens(p.Content)
	}
	assert.LessOrEqual(t, total, 200)
}

func TestScrapeBoundsConcurrency(t *testing.T) {
	content := map[string]string{}
	var selected []ScoredURL
	for i := 0; i < 8; i++ {
		url := fmt.Sprintf("https://site-%d", i)
		content[url] = "some content here"
		selected = append(selected, ScoredURL{SearchResult: result(url, 0), Confidence: 0.9})
	}
	scraper := &fakeScraper{content: content}

	w := NewWebRetriever(nil, nil, scraper, mock.NewCompleter("unused"), func(o *WebOptions) {
		o.ScrapeConcurrency = 3
	})

	pages := w.scrape(context.Background(), selected)
	assert.Len(t, pages, 8)
	assert.LessOrEqual(t, atomic.LoadInt32(&scraper.maxSeen), int32(3))
}

func TestScrapeRetriesFailedURLs(t *testing.T) {
	scraper := &fakeScraper{
		content:  map[string]string{"https://flaky": "eventually works", "https://solid": "works"},
		failures: map[string]int{"https://flaky": 2},
	}

	w := NewWebRetriever(nil, nil, scraper, mock.NewCompleter("unused"), func(o *WebOptions) {
		o.RetryRounds = 2
	})

	selected := []ScoredURL{
		{SearchResult: result("https://flaky", 0), Confidence: 0.9},
		{SearchResult: result("https://solid", 0), Confidence: 0.8},
	}
	pages := w.scrape(context.Background(), selected)
	assert.Len(t, pages, 2)
}

func TestScrapeGivesUpAfterRetryBudget(t *testing.T) {
	scraper := &fakeScraper{
		content:  map[string]string{"https://dead": "never returned"},
		failures: map[string]int{"https://dead": 10},
	}

	w := NewWebRetriever(nil, nil, scraper, mock.NewCompleter("unused"), func(o *WebOptions) {
		o.RetryRounds = 2
	})

	pages := w.scrape(context.Background(), []ScoredURL{
		{SearchResult: result("https://dead", 0), Confidence: 0.9},
	})
	assert.Empty(t, pages)
}

func TestSearchAndScrapeEndToEnd(t *testing.T) {
	primary := &fakeProvider{name: "primary", results: map[string][]SearchResult{
		"terraform state locking": {result("https://docs", 0.9), result("https://marketing", 0.4)},
	}}
	scraper := &fakeScraper{content: map[string]string{
		"https://docs": "state locking prevents concurrent writes",
	}}
	completer := mock.NewCompleter(scoresJSON(0.95, 0.2))

	w := NewWebRetriever(primary, nil, scraper, completer)

	got, err := w.SearchAndScrape(context.Background(), []string{"terraform state locking"},
		"how does terraform lock state?", "")
	require.NoError(t, err)
	require.Len(t, got.Pages, 1)
	assert.Equal(t, "https://docs", got.Pages[0].URL)
	assert.False(t, got.UsedFallback)
	assert.InDelta(t, 0.95, got.ConfidenceScores["https://docs"], 1e-9)
}

func TestSearchAndScrapeNoResults(t *testing.T) {
	primary := &fakeProvider{name: "primary", results: map[string][]SearchResult{}}
	w := NewWebRetriever(primary, nil, &fakeScraper{}, mock.NewCompleter("unused"))

	_, err := w.SearchAndScrape(context.Background(), []string{"q"}, "q", "")
	assert.Error(t, err)
}

func TestSearchAndScrapeNothingAboveThreshold(t *testing.T) {
	primary := &fakeProvider{name: "primary", results: map[string][]SearchResult{
		"q": {result("https://a", 0.2)},
	}}
	w := NewWebRetriever(primary, nil, &fakeScraper{}, mock.NewCompleter(scoresJSON(0.1)))

	_, err := w.SearchAndScrape(context.Background(), []string{"q"}, "q", "")
	assert.Error(t, err)
}
