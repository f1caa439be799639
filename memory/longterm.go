package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/cloudsage-ai/cloudsage/logging"
	"github.com/cloudsage-ai/cloudsage/model"
)

// EntityType classifies a long-term memory record.
type EntityType string

const (
	EntityPreference    EntityType = "preference"
	EntityService       EntityType = "service"
	EntityKnowledgeGap  EntityType = "knowledge_gap"
	EntityResponseStyle EntityType = "response_style"
)

func validEntityType(t EntityType) bool {
	switch t {
	case EntityPreference, EntityService, EntityKnowledgeGap, EntityResponseStyle:
		return true
	}
	return false
}

// Record is one durable fact extracted from conversation. Records are
// append-only: new facts are added, never merged into existing ones.
type Record struct {
	ID            string     `json:"id"`
	EntityType    EntityType `json:"entity_type"`
	Content       string     `json:"content"`
	Confidence    float64    `json:"confidence"`
	SourceSnippet string     `json:"source_snippet"`
	UserID        string     `json:"user_id"`
	ThreadID      string     `json:"thread_id"`
	Timestamp     time.Time  `json:"timestamp"`
}

// LongTermOptions configure the long-term memory store.
type LongTermOptions struct {
	// RetrieveLimit is the maximum records returned per similarity query.
	RetrieveLimit int

	// SummaryTopK is how many retrieved records feed the context summary.
	SummaryTopK int

	// MinConfidence drops extracted facts below this confidence.
	MinConfidence float64

	// PersistPath, when set, backs the vector store with on-disk storage
	// instead of memory only.
	PersistPath string

	Logger logging.Logger
}

// LongTermMemory extracts durable user facts via the model and stores them
// in a vector index keyed by user.
type LongTermMemory struct {
	completer  model.Completer
	collection *chromem.Collection
	opts       LongTermOptions
}

const factsCollection = "user_facts"

// NewLongTermMemory creates a long-term memory over the given completer and
// embedder.
func NewLongTermMemory(completer model.Completer, embedder model.Embedder, optFns ...func(o *LongTermOptions)) (*LongTermMemory, error) {
	opts := LongTermOptions{
		RetrieveLimit: 5,
		SummaryTopK:   3,
		MinConfidence: 0.3,
		Logger:        logging.NewNoOpLogger(),
	}
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
			return nil, fmt.Errorf("opening vector store at %s: %w", opts.PersistPath, err)
		}
	} else {
		db = chromem.NewDB()
	}

	ef := chromem.EmbeddingFunc(func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	})
	col, err := db.GetOrCreateCollection(factsCollection, nil, ef)
	if err != nil {
		return nil, fmt.Errorf("creating facts collection: %w", err)
	}

	return &LongTermMemory{completer: completer, collection: col, opts: opts}, nil
}

type factPayload struct {
	EntityType    string  `json:"entity_type"`
	Content       string  `json:"content"`
	Confidence    float64 `json:"confidence"`
	SourceSnippet string  `json:"source_snippet"`
}

type extractionPayload struct {
	Facts []factPayload `json:"facts"`
}

const extractionSystem = `You extract durable facts about a user from conversation context.
Only extract facts worth remembering across sessions: stated preferences,
services and technologies the user works with, gaps in their knowledge, and
how they like responses formatted. Respond with JSON only:
{"facts":[{"entity_type":"preference|service|knowledge_gap|response_style","content":"...","confidence":0.0,"source_snippet":"..."}]}
Return {"facts":[]} when nothing durable is present.`

// Extract asks the model for durable facts in the given conversation
// context. Low-confidence and malformed facts are dropped.
func (l *LongTermMemory) Extract(ctx context.Context, userID, threadID, conversationContext string) ([]Record, error) {
	if strings.TrimSpace(conversationContext) == "" {
		return nil, nil
	}

	payload, err := model.Structured[extractionPayload](ctx, l.completer,
		model.UserRequest(extractionSystem, conversationContext))
	if err != nil {
		return nil, fmt.Errorf("fact extraction: %w", err)
	}

	now := time.Now()
	records := make([]Record, 0, len(payload.Facts))
	for _, f := range payload.Facts {
		et := EntityType(f.EntityType)
		if !validEntityType(et) || strings.TrimSpace(f.Content) == "" {
			continue
		}
		if f.Confidence < l.opts.MinConfidence {
			continue
		}
		records = append(records, Record{
			ID:            uuid.NewString(),
			EntityType:    et,
			Content:       f.Content,
			Confidence:    min(f.Confidence, 1.0),
			SourceSnippet: f.SourceSnippet,
			UserID:        userID,
			ThreadID:      threadID,
			Timestamp:     now,
		})
	}
	return records, nil
}

// Store appends records to the vector index.
func (l *LongTermMemory) Store(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		docs[i] = chromem.Document{
			ID:      r.ID,
			Content: r.Content,
			Metadata: map[string]string{
				"entity_type":    string(r.EntityType),
				"confidence":     fmt.Sprintf("%.2f", r.Confidence),
				"source_snippet": r.SourceSnippet,
				"user_id":        r.UserID,
				"thread_id":      r.ThreadID,
				"timestamp":      r.Timestamp.Format(time.RFC3339),
			},
		}
	}

	if err := l.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("storing memory records: %w", err)
	}
	l.opts.Logger.Debug("memory records stored", "count", len(records))
	return nil
}

// Retrieve returns the records most similar to query for the given user.
func (l *LongTermMemory) Retrieve(ctx context.Context, userID, query string) ([]Record, error) {
	count := l.collection.Count()
	if count == 0 {
		return nil, nil
	}
	limit := l.opts.RetrieveLimit
	if limit > count {
		limit = count
	}

	results, err := l.collection.Query(ctx, query, limit, map[string]string{"user_id": userID}, nil)
	if err != nil {
		return nil, fmt.Errorf("querying memory records: %w", err)
	}

	records := make([]Record, 0, len(results))
	for _, r := range results {
		rec := Record{
			ID:            r.ID,
			Content:       r.Content,
			EntityType:    EntityType(r.Metadata["entity_type"]),
			SourceSnippet: r.Metadata["source_snippet"],
			UserID:        r.Metadata["user_id"],
			ThreadID:      r.Metadata["thread_id"],
		}
		fmt.Sscanf(r.Metadata["confidence"], "%f", &rec.Confidence)
		if ts, err := time.Parse(time.RFC3339, r.Metadata["timestamp"]); err == nil {
			rec.Timestamp = ts
		}
		records = append(records, rec)
	}
	return records, nil
}

// Summary renders the top retrieved records as a compact context block.
func (l *LongTermMemory) Summary(records []Record) string {
	if len(records) == 0 {
		return ""
	}
	top := records
	if len(top) > l.opts.SummaryTopK {
		top = top[:l.opts.SummaryTopK]
	}

	var b strings.Builder
	b.WriteString("Known about this user:\n")
	for _, r := range top {
		fmt.Fprintf(&b, "- [%s] %s\n", r.EntityType, r.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
