package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsage-ai/cloudsage/model/mock"
)

type fakeKB struct {
	answers  map[string]string
	inFlight int32
	maxSeen  int32
	delay    time.Duration
}

func (f *fakeKB) Query(ctx context.Context, question string) (string, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	answer, ok := f.answers[question]
	if !ok {
		return "", errors.New("not in knowledge base")
	}
	return answer, nil
}

func TestQueryMultiplePreservesOrderAndCapturesFailures(t *testing.T) {
	kb := &fakeKB{answers: map[string]string{
		"what is s3":  "S3 is object storage",
		"what is ebs": "EBS is block storage",
	}}
	r := NewKBRetriever(kb)

	answers := r.QueryMultiple(context.Background(), []string{"what is s3", "unknown thing", "what is ebs"})
	require.Len(t, answers, 3)

	assert.Equal(t, "what is s3", answers[0].Question)
	assert.True(t, answers[0].Success)
	assert.Equal(t, "S3 is object storage", answers[0].Answer)

	assert.False(t, answers[1].Success)
	assert.Empty(t, answers[1].Answer)

	assert.True(t, answers[2].Success)
}

func TestQueryMultipleBoundsConcurrency(t *testing.T) {
	answers := map[string]string{}
	var questions []string
	for i := 0; i < 9; i++ {
		q := fmt.Sprintf("question-%d", i)
		answers[q] = "answer"
		questions = append(questions, q)
	}
	kb := &fakeKB{answers: answers, delay: 5 * time.Millisecond}

	r := NewKBRetriever(kb, func(o *KBOptions) { o.Concurrency = 3 })
	got := r.QueryMultiple(context.Background(), questions)

	assert.Len(t, got, 9)
	assert.LessOrEqual(t, atomic.LoadInt32(&kb.maxSeen), int32(3))
}

func TestQueryMultipleEmptyInput(t *testing.T) {
	r := NewKBRetriever(&fakeKB{})
	assert.Empty(t, r.QueryMultiple(context.Background(), nil))
}

func TestParallelJoinsBothBranches(t *testing.T) {
	primary := &fakeProvider{name: "primary", results: map[string][]SearchResult{
		"q": {result("https://a", 0.9)},
	}}
	scraper := &fakeScraper{content: map[string]string{"https://a": "web content"}}
	web := NewWebRetriever(primary, nil, scraper, mock.NewCompleter(scoresJSON(0.9)))

	kb := NewKBRetriever(&fakeKB{answers: map[string]string{"q1": "kb answer"}})

	p := NewParallel(web, kb, nil, nil)
	got := p.Retrieve(context.Background(), []string{"q"}, "q", "", []string{"q1"})

	require.NoError(t, got.Web.Err)
	require.NotNil(t, got.Web.Web)
	assert.Len(t, got.Web.Web.Pages, 1)

	require.Len(t, got.KB.KB, 1)
	assert.True(t, got.KB.KB[0].Success)
}

func TestParallelWebFailureDoesNotSinkKB(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("search down")}
	web := NewWebRetriever(primary, nil, &fakeScraper{}, mock.NewCompleter("unused"))
	kb := NewKBRetriever(&fakeKB{answers: map[string]string{"q1": "kb answer"}})

	p := NewParallel(web, kb, nil, nil)
	got := p.Retrieve(context.Background(), []string{"q"}, "q", "", []string{"q1"})

	assert.Error(t, got.Web.Err)
	require.Len(t, got.KB.KB, 1)
	assert.True(t, got.KB.KB[0].Success)
}

func TestParallelNilWebBranchReportsSkipped(t *testing.T) {
	kb := NewKBRetriever(&fakeKB{answers: map[string]string{"q1": "kb answer"}})

	p := NewParallel(nil, kb, nil, nil)
	assert.False(t, p.HasWeb())
	assert.True(t, p.HasKB())

	got := p.Retrieve(context.Background(), []string{"q"}, "q", "", []string{"q1"})

	assert.True(t, got.Web.Skipped)
	assert.NoError(t, got.Web.Err)
	require.Len(t, got.KB.KB, 1)
	assert.True(t, got.KB.KB[0].Success)
}

func TestParallelNilKBBranchReportsSkipped(t *testing.T) {
	primary := &fakeProvider{name: "primary", results: map[string][]SearchResult{
		"q": {result("https://a", 0.9)},
	}}
	scraper := &fakeScraper{content: map[string]string{"https://a": "web content"}}
	web := NewWebRetriever(primary, nil, scraper, mock.NewCompleter(scoresJSON(0.9)))

	p := NewParallel(web, nil, nil, nil)
	got := p.Retrieve(context.Background(), []string{"q"}, "q", "", nil)

	assert.True(t, got.KB.Skipped)
	require.NoError(t, got.Web.Err)
	require.NotNil(t, got.Web.Web)
	assert.Len(t, got.Web.Web.Pages, 1)
}
