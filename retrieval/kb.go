package retrieval

import (
	"context"
	"sync"

	"github.com/cloudsage-ai/cloudsage/logging"
)

// KBOptions configure the knowledge-base retriever.
type KBOptions struct {
	// Concurrency bounds simultaneous knowledge-base queries.
	Concurrency int

	Logger logging.Logger
}

// KBRetriever fans a batch of questions out to the knowledge base. Each
// question fails independently; the batch always returns one answer entry
// per question.
type KBRetriever struct {
	kb   KnowledgeBase
	opts KBOptions
}

// NewKBRetriever creates a knowledge-base retriever.
func NewKBRetriever(kb KnowledgeBase, optFns ...func(o *KBOptions)) *KBRetriever {
	opts := KBOptions{
		Concurrency: 3,
		Logger:      logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &KBRetriever{kb: kb, opts: opts}
}

// QueryMultiple answers every question, preserving input order. A failing
// question yields a success:false entry without aborting the batch.
func (k *KBRetriever) QueryMultiple(ctx context.Context, questions []string) []KBAnswer {
	answers := make([]KBAnswer, len(questions))

	sem := make(chan struct{}, k.opts.Concurrency)
	var wg sync.WaitGroup

	for i, q := range questions {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			answer, err := k.kb.Query(ctx, q)
			if err != nil {
				k.opts.Logger.Warn("knowledge base query failed", "question", q, "error", err)
				answers[i] = KBAnswer{Question: q, Success: false}
				return
			}
			answers[i] = KBAnswer{Question: q, Answer: answer, Success: true}
		}(i, q)
	}
	wg.Wait()

	return answers
}
