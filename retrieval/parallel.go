package retrieval

import (
	"context"
	"sync"
	"time"

	"github.com/cloudsage-ai/cloudsage/breaker"
	"github.com/cloudsage-ai/cloudsage/logging"
)

// BranchOutcome captures one retrieval branch's result or failure. Skipped
// marks a branch that was never configured, as opposed to one that ran and
// failed.
type BranchOutcome struct {
	Web     *WebResult    `json:"web,omitempty"`
	KB      []KBAnswer    `json:"kb,omitempty"`
	Err     error         `json:"-"`
	Skipped bool          `json:"skipped,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// ParallelResult is the joined output of both branches.
type ParallelResult struct {
	Web BranchOutcome `json:"web"`
	KB  BranchOutcome `json:"kb"`
}

// Parallel runs the web and knowledge-base branches concurrently and joins
// them. Both branches always complete before the result is read; a failed
// branch carries its error instead of sinking the other.
type Parallel struct {
	web        *WebRetriever
	kb         *KBRetriever
	webBreaker *breaker.CircuitBreaker
	logger     logging.Logger
}

// NewParallel composes the two retrieval branches. Either branch may be nil
// when that capability is not configured; it is then reported as skipped
// rather than failed. webBreaker may be nil to run the web branch unguarded.
func NewParallel(web *WebRetriever, kb *KBRetriever, webBreaker *breaker.CircuitBreaker, logger logging.Logger) *Parallel {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Parallel{web: web, kb: kb, webBreaker: webBreaker, logger: logger}
}

// HasWeb reports whether a web search branch is configured.
func (p *Parallel) HasWeb() bool { return p.web != nil }

// HasKB reports whether a knowledge-base branch is configured.
func (p *Parallel) HasKB() bool { return p.kb != nil }

// Retrieve fans out both branches and waits for both.
func (p *Parallel) Retrieve(ctx context.Context, webQueries []string, originalQuery, enhancedQuestion string, kbQuestions []string) *ParallelResult {
	result := &ParallelResult{
		Web: BranchOutcome{Skipped: p.web == nil},
		KB:  BranchOutcome{Skipped: p.kb == nil},
	}

	var wg sync.WaitGroup

	if p.web != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()

			var (
				web *WebResult
				err error
			)
			if p.webBreaker != nil {
				web, err = breaker.Do(ctx, p.webBreaker, func(ctx context.Context) (*WebResult, error) {
					return p.web.SearchAndScrape(ctx, webQueries, originalQuery, enhancedQuestion)
				})
			} else {
				web, err = p.web.SearchAndScrape(ctx, webQueries, originalQuery, enhancedQuestion)
			}

			result.Web = BranchOutcome{Web: web, Err: err, Elapsed: time.Since(start)}
			p.logger.Info("web branch done", "elapsed_ms", time.Since(start).Milliseconds(), "failed", err != nil)
		}()
	}

	if p.kb != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()

			answers := p.kb.QueryMultiple(ctx, kbQuestions)
			result.KB = BranchOutcome{KB: answers, Elapsed: time.Since(start)}
			p.logger.Info("kb branch done", "elapsed_ms", time.Since(start).Milliseconds(), "questions", len(kbQuestions))
		}()
	}

	wg.Wait()
	return result
}
