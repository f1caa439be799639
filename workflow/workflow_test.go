package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsage-ai/cloudsage/breaker"
	"github.com/cloudsage-ai/cloudsage/memory"
	"github.com/cloudsage-ai/cloudsage/model/mock"
	"github.com/cloudsage-ai/cloudsage/progress"
	"github.com/cloudsage-ai/cloudsage/retrieval"
)

type stubProvider struct {
	results []retrieval.SearchResult
	err     error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Search(ctx context.Context, query string, maxResults int) ([]retrieval.SearchResult, error) {
	return s.results, s.err
}

type stubScraper struct {
	content map[string]string
}

func (s *stubScraper) Scrape(ctx context.Context, url string) (*retrieval.ScrapedPage, error) {
	content, ok := s.content[url]
	if !ok {
		return nil, fmt.Errorf("no content for %s", url)
	}
	return &retrieval.ScrapedPage{URL: url, Content: content}, nil
}

type stubKB struct {
	answers map[string]string
	err     error
}

func (s *stubKB) Query(ctx context.Context, question string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if a, ok := s.answers[question]; ok {
		return a, nil
	}
	return "", errors.New("not found")
}

func newState(query string) *State {
	return NewState("alice", "t1", "en", query, nil, memory.Context{})
}

func intentJSON(relevance string, confidence float64, clarify bool, clarifyQ string) string {
	return fmt.Sprintf(
		`{"intent":"the user asks: %s","domain_relevance":"%s","confidence":%.2f,"needs_clarification":%t,"clarification_question":"%s"}`,
		"q", relevance, confidence, clarify, clarifyQ)
}

func TestNewStateDefaults(t *testing.T) {
	s := newState("query")

	assert.Equal(t, RelevanceFollowup, s.DomainRelevance)
	assert.NotNil(t, s.SubQuestions)
	assert.NotNil(t, s.ScrapedContent)
	assert.NotNil(t, s.AllSources)
	assert.Equal(t, StatusPending, s.RetrievalStatus["web"])
	assert.Equal(t, StatusPending, s.RetrievalStatus["kb"])
	assert.Equal(t, "en", s.ThreadLanguage)
	assert.False(t, s.NeedsClarification)
}

func TestIntentFallbackIsDeterministic(t *testing.T) {
	e := NewEngine(mock.NewFailingCompleter(errors.New("llm down")), nil)

	for i := 0; i < 2; i++ {
		s := newState("whatever")
		e.stageIntent(context.Background(), s)

		assert.Equal(t, RelevanceFollowup, s.DomainRelevance)
		assert.InDelta(t, 0.2, s.ConfidenceScore, 1e-9)
		assert.True(t, s.NeedsClarification)
		assert.NotEmpty(t, s.ClarificationQuestion)
	}
}

func TestEnhancementFailurePassesIntentThrough(t *testing.T) {
	e := NewEngine(mock.NewFailingCompleter(errors.New("llm down")), nil)

	s := newState("query")
	s.CurrentIntent = "the original intent"
	e.stageEnhancement(context.Background(), s)

	assert.Equal(t, "the original intent", s.EnhancedQuestion)
	assert.False(t, s.NeedsClarification)
}

func TestDecompositionFailureSingletonFallback(t *testing.T) {
	e := NewEngine(mock.NewFailingCompleter(errors.New("llm down")), nil)

	s := newState("query")
	s.EnhancedQuestion = "how do I secure a bucket?"
	e.stageDecomposition(context.Background(), s)

	assert.Equal(t, []string{"how do I secure a bucket?"}, s.SubQuestions)
	assert.Equal(t, []string{"how do I secure a bucket?"}, s.WebQueries)
}

func TestDecompositionClampsCounts(t *testing.T) {
	c := mock.NewCompleter(`{"sub_questions":["a","b","c","d","e","f"],"web_queries":["1","2","3","4"]}`)
	e := NewEngine(c, nil)

	s := newState("query")
	s.EnhancedQuestion = "q"
	e.stageDecomposition(context.Background(), s)

	assert.Len(t, s.SubQuestions, 4)
	assert.Len(t, s.WebQueries, 3)
}

func TestReEvaluationSinglePassKeepsListsOnFailure(t *testing.T) {
	e := NewEngine(mock.NewFailingCompleter(errors.New("llm down")), nil)

	s := newState("query")
	s.EnhancedQuestion = "q"
	s.SubQuestions = []string{"a"}
	s.WebQueries = []string{"b"}
	e.stageReEvaluation(context.Background(), s)

	assert.Equal(t, []string{"a"}, s.SubQuestions)
	assert.Equal(t, []string{"b"}, s.WebQueries)
	assert.Equal(t, 1, s.IterationCount)
}

func scoreAll(n int) string {
	out := `{"scores":[`
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"index":%d,"confidence":0.9}`, i)
	}
	return out + `]}`
}

// Scenario: a domain question with two good web results cites both URLs.
func TestDomainQueryCitesBothSources(t *testing.T) {
	completer := mock.NewCompleter(
		intentJSON("domain", 0.9, false, ""),
		`{"enhanced_question":"How do I secure an S3 bucket against public access?"}`,
		`{"sub_questions":["what is bucket policy","what is block public access"],"web_queries":["secure s3 bucket"]}`,
		`{"sub_questions":["what is bucket policy","what is block public access"],"web_queries":["secure s3 bucket"]}`,
		scoreAll(2),
		"Use Block Public Access [https://docs.aws/s3-bpa] and bucket policies [https://docs.aws/s3-policy].",
	)

	web := retrieval.NewWebRetriever(
		&stubProvider{results: []retrieval.SearchResult{
			{URL: "https://docs.aws/s3-bpa", Title: "Block Public Access", Description: "docs", RawScore: 0.9},
			{URL: "https://docs.aws/s3-policy", Title: "Bucket Policies", Description: "docs", RawScore: 0.8},
		}},
		nil,
		&stubScraper{content: map[string]string{
			"https://docs.aws/s3-bpa":    "Block Public Access overrides ACLs.",
			"https://docs.aws/s3-policy": "Bucket policies grant or deny access.",
		}},
		completer,
	)
	kb := retrieval.NewKBRetriever(&stubKB{err: errors.New("kb offline")})
	parallel := retrieval.NewParallel(web, kb, nil, nil)

	e := NewEngine(completer, parallel)
	s := newState("How do I secure an S3 bucket?")
	result := e.Execute(context.Background(), s)

	require.Equal(t, "response", result.Type)
	assert.Equal(t, ResponseDomain, result.ResponseType)
	assert.Contains(t, result.Response, "https://docs.aws/s3-bpa")
	assert.Contains(t, result.Response, "https://docs.aws/s3-policy")
	assert.Contains(t, result.SourcesUsed, "https://docs.aws/s3-bpa")
	assert.Contains(t, result.SourcesUsed, "https://docs.aws/s3-policy")
	assert.Equal(t, StatusCompleted, s.RetrievalStatus["web"])
	assert.Equal(t, StatusError, s.RetrievalStatus["kb"])
}

// Scenario: "hi" routes straight to generation with no retrieval.
func TestGeneralQuerySkipsRetrieval(t *testing.T) {
	completer := mock.NewCompleter(
		intentJSON("general", 0.95, false, ""),
		"Hello! I help with cloud questions, ask me anything about infrastructure.",
	)

	e := NewEngine(completer, nil)
	s := newState("hi")
	result := e.Execute(context.Background(), s)

	require.Equal(t, "response", result.Type)
	assert.Equal(t, ResponseEncouragement, result.ResponseType)
	assert.Empty(t, s.AllSources)
	assert.Empty(t, s.SubQuestions)
	assert.Equal(t, StatusSkipped, s.RetrievalStatus["web"])
	assert.Equal(t, StatusSkipped, s.RetrievalStatus["kb"])
	// Only intent + generation called the model.
	assert.Equal(t, 2, completer.CallCount())
}

// Scenario: low confidence forces a clarification whose text is returned
// verbatim.
func TestLowConfidenceReturnsClarification(t *testing.T) {
	completer := mock.NewCompleter(
		intentJSON("domain", 0.3, true, "Which storage service do you mean?"),
	)

	e := NewEngine(completer, nil)
	s := newState("how do I fix it?")
	result := e.Execute(context.Background(), s)

	require.Equal(t, "response", result.Type)
	assert.Equal(t, ResponseClarification, result.ResponseType)
	assert.Equal(t, "Which storage service do you mean?", result.Response)
	assert.Empty(t, s.SubQuestions)
	assert.Equal(t, 1, completer.CallCount())
}

// Scenario: both retrieval branches fail; the answer reports the gap.
func TestBothBranchesFailingReportsGap(t *testing.T) {
	completer := mock.NewCompleter(
		intentJSON("domain", 0.9, false, ""),
		`{"enhanced_question":"q"}`,
		`{"sub_questions":["a"],"web_queries":["b"]}`,
		`{"sub_questions":["a"],"web_queries":["b"]}`,
	)
	// URL scoring and generation never run: search fails first.

	web := retrieval.NewWebRetriever(
		&stubProvider{err: errors.New("search down")}, nil,
		&stubScraper{}, completer,
		func(o *retrieval.WebOptions) { o.ScoreRetries = 0 },
	)
	kb := retrieval.NewKBRetriever(&stubKB{err: errors.New("kb down")})
	parallel := retrieval.NewParallel(web, kb, nil, nil)

	e := NewEngine(completer, parallel)
	s := newState("How do I secure an S3 bucket?")
	result := e.Execute(context.Background(), s)

	require.Equal(t, "response", result.Type)
	assert.Equal(t, StatusError, s.RetrievalStatus["web"])
	assert.Equal(t, StatusError, s.RetrievalStatus["kb"])
	assert.Empty(t, s.AllSources)
	assert.Contains(t, result.Response, "could not retrieve")
	assert.Zero(t, result.Confidence)
}

func TestExecuteEmitsProgressPerStage(t *testing.T) {
	b := progress.NewBroadcaster(16)
	sub := b.Subscribe("t1")
	defer sub.Close()

	completer := mock.NewCompleter(
		intentJSON("general", 0.9, false, ""),
		"Hi there!",
	)
	e := NewEngine(completer, nil, func(o *Options) { o.Broadcaster = b })

	e.Execute(context.Background(), newState("hello"))

	var stages []string
	for {
		select {
		case ev := <-sub.C:
			stages = append(stages, ev.Stage)
			continue
		default:
		}
		break
	}
	assert.Equal(t, []string{StageIntent, StageGeneration}, stages)
}

func TestExecuteRecoversPanicToErrorResult(t *testing.T) {
	e := NewEngine(mock.NewCompleter(intentJSON("domain", 0.9, false, "")), nil)

	s := newState("query")
	s.RetrievalStatus = nil // writing a branch status will panic

	result := e.Execute(context.Background(), s)
	require.NotNil(t, result)
	assert.Equal(t, "error", result.Type)
	assert.NotEmpty(t, result.Response)
}

func TestBreakerOpenFallsBackToClarification(t *testing.T) {
	cb := breaker.New("llm", func(o *breaker.Options) {
		o.FailureThreshold = 1
		o.CallTimeout = 0
	})
	// Trip it.
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("fail") })

	completer := mock.NewCompleter(intentJSON("domain", 0.9, false, ""))
	e := NewEngine(completer, nil, func(o *Options) { o.LLMBreaker = cb })

	s := newState("query")
	result := e.Execute(context.Background(), s)

	// The model is never invoked while the breaker is open; intent falls
	// back to the clarification path.
	assert.Zero(t, completer.CallCount())
	assert.Equal(t, ResponseClarification, result.ResponseType)
}

func TestExecuteCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewEngine(mock.NewCompleter("unused"), nil)
	result := e.Execute(ctx, newState("query"))

	assert.Equal(t, "error", result.Type)
}

func TestStateTraceFieldsAlwaysDefined(t *testing.T) {
	completer := mock.NewCompleter(intentJSON("general", 0.9, false, ""), "hello")
	e := NewEngine(completer, nil)

	s := newState("hi")
	start := time.Now()
	result := e.Execute(context.Background(), s)
	require.NotNil(t, result)
	assert.Less(t, time.Since(start), time.Second)

	// Downstream consumers never see nil collections.
	assert.NotNil(t, result.SourcesUsed)
	assert.NotNil(t, result.SubQuestions)
	assert.NotNil(t, result.WebQueries)
}

// Scenario: knowledge-base-only deployment; the web branch is skipped, not
// failed, and the web breaker never sees a call.
func TestKBOnlyDeploymentSkipsWebBranch(t *testing.T) {
	completer := mock.NewCompleter(
		intentJSON("domain", 0.9, false, ""),
		`{"enhanced_question":"What does IAM do?"}`,
		`{"sub_questions":["what is iam"],"web_queries":["iam basics"]}`,
		`{"sub_questions":["what is iam"],"web_queries":["iam basics"]}`,
		"IAM manages identities and permissions [kb: what is iam].",
	)

	kb := retrieval.NewKBRetriever(&stubKB{answers: map[string]string{"what is iam": "IAM manages identities"}})
	webBreaker := breaker.New("web_search")
	parallel := retrieval.NewParallel(nil, kb, webBreaker, nil)

	e := NewEngine(completer, parallel)
	s := newState("What is IAM?")
	result := e.Execute(context.Background(), s)

	require.Equal(t, "response", result.Type)
	assert.Equal(t, ResponseDomain, result.ResponseType)
	assert.Equal(t, StatusSkipped, s.RetrievalStatus["web"])
	assert.Equal(t, StatusCompleted, s.RetrievalStatus["kb"])
	assert.Contains(t, result.SourcesUsed, "what is iam")
	assert.Zero(t, webBreaker.Stats().TotalCalls)
}

// Scenario: web-only deployment; the kb branch is skipped, not failed.
func TestWebOnlyDeploymentSkipsKBBranch(t *testing.T) {
	completer := mock.NewCompleter(
		intentJSON("domain", 0.9, false, ""),
		`{"enhanced_question":"How do I rotate access keys?"}`,
		`{"sub_questions":["how to rotate keys"],"web_queries":["rotate access keys"]}`,
		`{"sub_questions":["how to rotate keys"],"web_queries":["rotate access keys"]}`,
		scoreAll(1),
		"Rotate keys via the console [https://docs.aws/rotate].",
	)

	web := retrieval.NewWebRetriever(
		&stubProvider{results: []retrieval.SearchResult{
			{URL: "https://docs.aws/rotate", Title: "Rotating keys", Description: "docs", RawScore: 0.9},
		}},
		nil,
		&stubScraper{content: map[string]string{"https://docs.aws/rotate": "Create a new key, then disable the old one."}},
		completer,
	)
	parallel := retrieval.NewParallel(web, nil, nil, nil)

	e := NewEngine(completer, parallel)
	s := newState("How do I rotate access keys?")
	result := e.Execute(context.Background(), s)

	require.Equal(t, "response", result.Type)
	assert.Equal(t, StatusCompleted, s.RetrievalStatus["web"])
	assert.Equal(t, StatusSkipped, s.RetrievalStatus["kb"])
	assert.Contains(t, result.SourcesUsed, "https://docs.aws/rotate")
}

type recordingLogger struct {
	mu         sync.Mutex
	stages     []string
	modelCalls int
	branches   []string
}

func (l *recordingLogger) Debug(msg string, args ...any) {}
func (l *recordingLogger) Info(msg string, args ...any)  {}
func (l *recordingLogger) Warn(msg string, args ...any)  {}
func (l *recordingLogger) Error(msg string, args ...any) {}

func (l *recordingLogger) LogStage(stage string, dur time.Duration, success bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, stage)
}

func (l *recordingLogger) LogModelCall(model string, dur time.Duration, success bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modelCalls++
}

func (l *recordingLogger) LogRetrieval(branch string, sources int, dur time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.branches = append(l.branches, branch)
}

// A logger exposing the structured helpers receives per-stage, model-call
// and retrieval-branch records.
func TestEngineUsesStructuredLogging(t *testing.T) {
	completer := mock.NewCompleter(
		intentJSON("domain", 0.9, false, ""),
		`{"enhanced_question":"What does IAM do?"}`,
		`{"sub_questions":["what is iam"],"web_queries":["iam basics"]}`,
		`{"sub_questions":["what is iam"],"web_queries":["iam basics"]}`,
		"IAM manages identities [kb: what is iam].",
	)
	kb := retrieval.NewKBRetriever(&stubKB{answers: map[string]string{"what is iam": "IAM manages identities"}})
	parallel := retrieval.NewParallel(nil, kb, nil, nil)

	rec := &recordingLogger{}
	e := NewEngine(completer, parallel, func(o *Options) { o.Logger = rec })
	result := e.Execute(context.Background(), newState("What is IAM?"))

	require.Equal(t, "response", result.Type)
	assert.Equal(t, []string{
		StageIntent, StageEnhancement, StageDecomposition,
		StageReEvaluation, StageRetrieval, StageGeneration,
	}, rec.stages)
	assert.Equal(t, 1, rec.modelCalls)
	assert.Equal(t, []string{"kb"}, rec.branches)
}
