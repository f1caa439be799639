package provider

import (
	"context"
	"fmt"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"github.com/cloudsage-ai/cloudsage/model"
	"github.com/cloudsage-ai/cloudsage/retrieval"
)

// VectorKB answers questions from a chromem-backed document index: the top
// matching chunks are retrieved by similarity and condensed into an answer
// by the completer.
type VectorKB struct {
	collection *chromem.Collection
	completer  model.Completer
	topK       int
}

var _ retrieval.KnowledgeBase = (*VectorKB)(nil)

const kbCollection = "knowledge_base"

// VectorKBOptions configure the vector knowledge base.
type VectorKBOptions struct {
	// TopK is how many chunks ground each answer.
	TopK int

	// PersistPath, when set, stores the index on disk.
	PersistPath string
}

// NewVectorKB creates a vector knowledge base over the given completer and
// embedder.
func NewVectorKB(completer model.Completer, embedder model.Embedder, optFns ...func(o *VectorKBOptions)) (*VectorKB, error) {
	opts := VectorKBOptions{TopK: 3}
	for _, fn := range optFns {
		fn(&opts)
	}

	var (
		db  *chromem.DB
		err error
	)
	if opts.PersistPath != "" {
		db, err = chromem.NewPersistentDB(opts.PersistPath, true)
		if err != nil {
			return nil, fmt.Errorf("opening knowledge index at %s: %w", opts.PersistPath, err)
		}
	} else {
		db = chromem.NewDB()
	}

	ef := chromem.EmbeddingFunc(func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	})
	col, err := db.GetOrCreateCollection(kbCollection, nil, ef)
	if err != nil {
		return nil, fmt.Errorf("creating knowledge collection: %w", err)
	}

	return &VectorKB{collection: col, completer: completer, topK: opts.TopK}, nil
}

// AddDocument indexes one document chunk.
func (v *VectorKB) AddDocument(ctx context.Context, id, content string, metadata map[string]string) error {
	return v.collection.AddDocuments(ctx, []chromem.Document{
		{ID: id, Content: content, Metadata: metadata},
	}, 1)
}

// Count reports indexed chunks.
func (v *VectorKB) Count() int { return v.collection.Count() }

const kbAnswerSystem = `Answer the question using only the provided knowledge base excerpts.
If the excerpts do not contain the answer, say so plainly. Be concise.`

// Query implements retrieval.KnowledgeBase.
func (v *VectorKB) Query(ctx context.Context, question string) (string, error) {
	count := v.collection.Count()
	if count == 0 {
		return "", fmt.Errorf("knowledge base is empty")
	}
	limit := v.topK
	if limit > count {
		limit = count
	}

	results, err := v.collection.Query(ctx, question, limit, nil, nil)
	if err != nil {
		return "", fmt.Errorf("knowledge base query: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("no relevant knowledge base entries")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nExcerpts:\n", question)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Content)
	}

	resp, err := v.completer.Complete(ctx, model.UserRequest(kbAnswerSystem, b.String()))
	if err != nil {
		return "", fmt.Errorf("knowledge base answer generation: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
