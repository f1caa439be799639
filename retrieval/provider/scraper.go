package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/cloudsage-ai/cloudsage/retrieval"
)

// HTTPScraperOptions configure the direct HTTP scraper.
type HTTPScraperOptions struct {
	HTTPClient *http.Client
	UserAgent  string
	MaxBody    int64
}

// HTTPScraper fetches pages directly and extracts readable text from the
// HTML. It serves as the scraper when no reader API is configured, and as
// the fallback behind one.
type HTTPScraper struct {
	opts HTTPScraperOptions
}

var _ retrieval.Scraper = (*HTTPScraper)(nil)

// NewHTTPScraper creates a direct HTTP scraper.
func NewHTTPScraper(optFns ...func(o *HTTPScraperOptions)) *HTTPScraper {
	opts := HTTPScraperOptions{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		UserAgent:  "cloudsage/1.0",
		MaxBody:    2 << 20,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &HTTPScraper{opts: opts}
}

// Scrape implements retrieval.Scraper.
func (s *HTTPScraper) Scrape(ctx context.Context, url string) (*retrieval.ScrapedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.opts.MaxBody))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}

	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", url, err)
	}

	title := extractTitle(doc)
	content := extractText(doc)
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("no readable content at %s", url)
	}

	return &retrieval.ScrapedPage{URL: url, Title: title, Content: content}, nil
}

func extractTitle(doc *html.Node) string {
	var title string
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return title
}

// extractText walks the document collecting visible text, skipping script,
// style and navigation chrome.
func extractText(doc *html.Node) string {
	var b strings.Builder
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "nav", "footer", "header", "aside":
				return
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				b.WriteString(text)
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return strings.TrimSpace(b.String())
}

// FallbackScraper tries a primary scraper and falls back to a secondary on
// failure.
type FallbackScraper struct {
	primary   retrieval.Scraper
	secondary retrieval.Scraper
}

var _ retrieval.Scraper = (*FallbackScraper)(nil)

// NewFallbackScraper chains two scrapers.
func NewFallbackScraper(primary, secondary retrieval.Scraper) *FallbackScraper {
	return &FallbackScraper{primary: primary, secondary: secondary}
}

// Scrape implements retrieval.Scraper.
func (f *FallbackScraper) Scrape(ctx context.Context, url string) (*retrieval.ScrapedPage, error) {
	page, err := f.primary.Scrape(ctx, url)
	if err == nil {
		return page, nil
	}
	if f.secondary == nil {
		return nil, err
	}
	page, err2 := f.secondary.Scrape(ctx, url)
	if err2 != nil {
		return nil, fmt.Errorf("all scrapers failed: %v; %w", err, err2)
	}
	return page, nil
}
