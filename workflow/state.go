// Package workflow implements the staged query pipeline: a fixed graph of
// model-calling stages coordinated through a shared typed State. Each stage
// degrades deterministically on upstream failure; no stage error escapes
// the engine.
package workflow

import (
	"github.com/cloudsage-ai/cloudsage/memory"
	"github.com/cloudsage-ai/cloudsage/retrieval"
)

// DomainRelevance classifies how a query relates to the system's domain.
type DomainRelevance string

const (
	RelevanceDomain   DomainRelevance = "domain"
	RelevanceGeneral  DomainRelevance = "general"
	RelevanceFollowup DomainRelevance = "followup"
)

// ResponseType labels what kind of answer the pipeline produced.
type ResponseType string

const (
	ResponseClarification ResponseType = "clarification"
	ResponseDomain        ResponseType = "domain_response"
	ResponseEncouragement ResponseType = "general_encouragement"
	ResponseDebug         ResponseType = "debug_response"
)

// Branch status values tracked in State.RetrievalStatus.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusSkipped   = "skipped"
)

// Source is one piece of retrieved grounding material.
type Source struct {
	Kind       string  `json:"kind"` // "web" or "kb"
	Title      string  `json:"title,omitempty"`
	URL        string  `json:"url,omitempty"`
	Question   string  `json:"question,omitempty"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Label is the citation handle for the source: the URL for web sources,
// the question for knowledge-base sources.
func (s Source) Label() string {
	if s.Kind == "web" {
		return s.URL
	}
	return s.Question
}

// State is the per-request workflow state. It is owned by exactly one
// execution; stages mutate it in sequence, never concurrently. Every field
// has a defined default from NewState, so downstream stages treat empty
// values as "skip" rather than failing.
type State struct {
	// identity
	UserID         string `json:"user_id"`
	ThreadID       string `json:"thread_id"`
	ThreadLanguage string `json:"thread_language"`

	// input
	UserQuery     string         `json:"user_query"`
	History       []memory.Turn  `json:"history"`
	MemoryContext memory.Context `json:"memory_context"`

	// derived by intent extraction
	CurrentIntent   string          `json:"current_intent"`
	DomainRelevance DomainRelevance `json:"domain_relevance"`
	ConfidenceScore float64         `json:"confidence_score"`

	// enhancement
	EnhancedQuestion string `json:"enhanced_question"`

	// decomposition
	SubQuestions []string `json:"sub_questions"`
	WebQueries   []string `json:"web_queries"`

	// retrieval
	WebSearchResults    []retrieval.ScoredURL `json:"web_search_results"`
	ScrapedContent      map[string]string     `json:"scraped_content"`
	URLConfidenceScores map[string]float64    `json:"url_confidence_scores"`
	KBResults           []retrieval.KBAnswer  `json:"kb_results"`
	AllSources          []Source              `json:"all_sources"`
	RetrievalStatus     map[string]string     `json:"retrieval_status"`

	// control
	NeedsClarification    bool   `json:"needs_clarification"`
	ClarificationQuestion string `json:"clarification_question"`
	IterationCount        int    `json:"iteration_count"`
	MaxIterations         int    `json:"max_iterations"`

	// output
	FinalResponse      string       `json:"final_response"`
	ResponseType       ResponseType `json:"response_type"`
	ResponseConfidence float64      `json:"response_confidence"`
	SourcesUsed        []string     `json:"sources_used"`
}

// NewState creates a request state with every field defaulted.
func NewState(userID, threadID, language, query string, history []memory.Turn, memCtx memory.Context) *State {
	if language == "" {
		language = "en"
	}
	return &State{
		UserID:         userID,
		ThreadID:       threadID,
		ThreadLanguage: language,
		UserQuery:      query,
		History:        history,
		MemoryContext:  memCtx,

		DomainRelevance: RelevanceFollowup,

		SubQuestions: []string{},
		WebQueries:   []string{},

		ScrapedContent:      map[string]string{},
		URLConfidenceScores: map[string]float64{},
		AllSources:          []Source{},
		RetrievalStatus: map[string]string{
			"web": StatusPending,
			"kb":  StatusPending,
		},

		MaxIterations: 3,
		SourcesUsed:   []string{},
	}
}

// Result is the structured outcome handed back to the caller. Every
// execution produces one; failures surface as Type "error", never as a
// panic or raw error from the engine.
type Result struct {
	Type             string          `json:"type"` // "response" or "error"
	Response         string          `json:"response"`
	ResponseType     ResponseType    `json:"response_type"`
	Confidence       float64         `json:"confidence"`
	SourcesUsed      []string        `json:"sources_used"`
	Intent           string          `json:"intent"`
	DomainRelevance  DomainRelevance `json:"domain_relevance"`
	EnhancedQuestion string          `json:"enhanced_question"`
	SubQuestions     []string        `json:"sub_questions"`
	WebQueries       []string        `json:"web_queries"`
	Iterations       int             `json:"iterations"`
}

func resultFromState(s *State) *Result {
	return &Result{
		Type:             "response",
		Response:         s.FinalResponse,
		ResponseType:     s.ResponseType,
		Confidence:       s.ResponseConfidence,
		SourcesUsed:      s.SourcesUsed,
		Intent:           s.CurrentIntent,
		DomainRelevance:  s.DomainRelevance,
		EnhancedQuestion: s.EnhancedQuestion,
		SubQuestions:     s.SubQuestions,
		WebQueries:       s.WebQueries,
		Iterations:       s.IterationCount,
	}
}
