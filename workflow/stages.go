package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudsage-ai/cloudsage/breaker"
	"github.com/cloudsage-ai/cloudsage/model"
)

// Stage names, also used in progress events.
const (
	StageIntent        = "intent_extraction"
	StageEnhancement   = "question_enhancement"
	StageDecomposition = "question_decomposition"
	StageReEvaluation  = "re_evaluation"
	StageRetrieval     = "parallel_retrieval"
	StageGeneration    = "response_generation"
)

// completeStructured runs a typed completion through the llm breaker when
// one is configured.
func structuredCall[T any](ctx context.Context, e *Engine, req model.Request) (T, error) {
	if e.llmBreaker == nil {
		return model.Structured[T](ctx, e.completer, req)
	}
	return breaker.Do(ctx, e.llmBreaker, func(ctx context.Context) (T, error) {
		return model.Structured[T](ctx, e.completer, req)
	})
}

type intentPayload struct {
	Intent                string  `json:"intent"`
	DomainRelevance       string  `json:"domain_relevance"`
	Confidence            float64 `json:"confidence"`
	NeedsClarification    bool    `json:"needs_clarification"`
	ClarificationQuestion string  `json:"clarification_question"`
}

const intentSystem = `You analyze user questions for a cloud engineering assistant.
Classify the question and respond with JSON only:
{"intent":"one-sentence restatement of what the user wants",
 "domain_relevance":"domain|general|followup",
 "confidence":0.0,
 "needs_clarification":false,
 "clarification_question":""}
Use "domain" for cloud/infrastructure questions, "general" for greetings and
small talk, "followup" when the question only makes sense with prior context.
Set needs_clarification true and provide clarification_question when the
question is too ambiguous to answer usefully.`

// stageIntent infers intent, domain relevance and confidence. On model
// failure it falls back to a deterministic low-confidence clarification
// request rather than proceeding with unknown intent.
func (e *Engine) stageIntent(ctx context.Context, s *State) {
	var b strings.Builder
	if s.MemoryContext.ShortTerm != "" {
		fmt.Fprintf(&b, "Recent conversation:\n%s\n\n", s.MemoryContext.ShortTerm)
	}
	if s.MemoryContext.LongTermSummary != "" {
		fmt.Fprintf(&b, "%s\n\n", s.MemoryContext.LongTermSummary)
	}
	fmt.Fprintf(&b, "Question (%s): %s", s.ThreadLanguage, s.UserQuery)

	payload, err := structuredCall[intentPayload](ctx, e, model.UserRequest(intentSystem, b.String()))
	if err != nil {
		e.logger.Warn("intent extraction failed, applying fallback", "error", err)
		s.CurrentIntent = s.UserQuery
		s.DomainRelevance = RelevanceFollowup
		s.ConfidenceScore = 0.2
		s.NeedsClarification = true
		s.ClarificationQuestion = "Could you rephrase your question with a bit more detail about what you are trying to do?"
		return
	}

	s.CurrentIntent = payload.Intent
	if s.CurrentIntent == "" {
		s.CurrentIntent = s.UserQuery
	}
	switch DomainRelevance(payload.DomainRelevance) {
	case RelevanceDomain, RelevanceGeneral, RelevanceFollowup:
		s.DomainRelevance = DomainRelevance(payload.DomainRelevance)
	default:
		s.DomainRelevance = RelevanceFollowup
	}
	s.ConfidenceScore = clamp01(payload.Confidence)
	s.NeedsClarification = payload.NeedsClarification
	s.ClarificationQuestion = payload.ClarificationQuestion
	if s.NeedsClarification && s.ClarificationQuestion == "" {
		s.ClarificationQuestion = "Could you share more detail about what you are trying to achieve?"
	}
}

type enhancementPayload struct {
	EnhancedQuestion string `json:"enhanced_question"`
}

const enhancementSystem = `You rewrite a user's intent into one focused, self-contained technical
question, resolving pronouns and vague references using the conversation
context. Respond with JSON only: {"enhanced_question":"..."}`

// stageEnhancement rewrites the intent into one focused question. Failure
// passes the intent through unchanged; this stage never blocks the pipeline.
func (e *Engine) stageEnhancement(ctx context.Context, s *State) {
	var b strings.Builder
	if s.MemoryContext.ShortTerm != "" {
		fmt.Fprintf(&b, "Conversation context:\n%s\n\n", s.MemoryContext.ShortTerm)
	}
	fmt.Fprintf(&b, "Intent: %s\nOriginal question: %s", s.CurrentIntent, s.UserQuery)

	payload, err := structuredCall[enhancementPayload](ctx, e, model.UserRequest(enhancementSystem, b.String()))
	if err != nil || strings.TrimSpace(payload.EnhancedQuestion) == "" {
		if err != nil {
			e.logger.Warn("question enhancement failed, passing intent through", "error", err)
		}
		s.EnhancedQuestion = s.CurrentIntent
		return
	}
	s.EnhancedQuestion = payload.EnhancedQuestion
}

type decompositionPayload struct {
	SubQuestions []string `json:"sub_questions"`
	WebQueries   []string `json:"web_queries"`
}

const decompositionSystem = `You break a technical question into retrieval tasks. Produce 2-4
sub-questions for a curated knowledge base and 2-3 short web search queries.
Respond with JSON only: {"sub_questions":["..."],"web_queries":["..."]}`

// stageDecomposition derives sub-questions and web queries. Failure
// degrades to singleton lists holding the enhanced question.
func (e *Engine) stageDecomposition(ctx context.Context, s *State) {
	payload, err := structuredCall[decompositionPayload](ctx, e,
		model.UserRequest(decompositionSystem, "Question: "+s.EnhancedQuestion))
	if err != nil {
		e.logger.Warn("question decomposition failed, using singleton fallback", "error", err)
		s.SubQuestions = []string{s.EnhancedQuestion}
		s.WebQueries = []string{s.EnhancedQuestion}
		return
	}

	s.SubQuestions = clampList(payload.SubQuestions, 4, s.EnhancedQuestion)
	s.WebQueries = clampList(payload.WebQueries, 3, s.EnhancedQuestion)
}

const reEvaluationSystem = `You review retrieval tasks for a technical question and improve them:
sharpen vague sub-questions, make web queries more specific, drop
redundant ones. Keep 2-4 sub-questions and 2-3 web queries. Respond with
JSON only: {"sub_questions":["..."],"web_queries":["..."]}`

// stageReEvaluation is a single forward improvement pass over the
// decomposition. It never loops back; on failure the existing lists stand.
func (e *Engine) stageReEvaluation(ctx context.Context, s *State) {
	s.IterationCount++
	if s.IterationCount >= s.MaxIterations {
		e.logger.Debug("iteration budget reached, keeping current decomposition")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nSub-questions:\n", s.EnhancedQuestion)
	for _, q := range s.SubQuestions {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	b.WriteString("Web queries:\n")
	for _, q := range s.WebQueries {
		fmt.Fprintf(&b, "- %s\n", q)
	}

	payload, err := structuredCall[decompositionPayload](ctx, e, model.UserRequest(reEvaluationSystem, b.String()))
	if err != nil {
		e.logger.Warn("re-evaluation failed, keeping decomposition", "error", err)
		return
	}
	if len(payload.SubQuestions) > 0 {
		s.SubQuestions = clampList(payload.SubQuestions, 4, s.EnhancedQuestion)
	}
	if len(payload.WebQueries) > 0 {
		s.WebQueries = clampList(payload.WebQueries, 3, s.EnhancedQuestion)
	}
}

// stageRetrieval fans out the knowledge-base and web branches and merges
// their outcomes into AllSources. Each branch fails independently.
func (e *Engine) stageRetrieval(ctx context.Context, s *State) {
	webQueries := s.WebQueries
	kbQuestions := s.SubQuestions

	if len(webQueries) > 0 && e.parallel != nil && e.parallel.HasWeb() {
		s.RetrievalStatus["web"] = StatusRunning
	} else {
		s.RetrievalStatus["web"] = StatusSkipped
	}
	if len(kbQuestions) > 0 && e.parallel != nil && e.parallel.HasKB() {
		s.RetrievalStatus["kb"] = StatusRunning
	} else {
		s.RetrievalStatus["kb"] = StatusSkipped
	}

	if s.RetrievalStatus["web"] != StatusRunning && s.RetrievalStatus["kb"] != StatusRunning {
		return
	}

	outcome := e.parallel.Retrieve(ctx, webQueries, s.UserQuery, s.EnhancedQuestion, kbQuestions)

	rl, rich := e.logger.(richLogger)

	if s.RetrievalStatus["web"] == StatusRunning {
		if rich {
			webSources := 0
			if outcome.Web.Web != nil {
				webSources = len(outcome.Web.Web.Pages)
			}
			rl.LogRetrieval("web", webSources, outcome.Web.Elapsed, outcome.Web.Err)
		}
		if outcome.Web.Err != nil {
			s.RetrievalStatus["web"] = StatusError
			e.logger.Warn("web retrieval branch failed", "error", outcome.Web.Err)
		} else {
			s.RetrievalStatus["web"] = StatusCompleted
			web := outcome.Web.Web
			s.WebSearchResults = web.Candidates
			s.URLConfidenceScores = web.ConfidenceScores
			for _, page := range web.Pages {
				s.ScrapedContent[page.URL] = page.Content
				s.AllSources = append(s.AllSources, Source{
					Kind:       "web",
					Title:      page.Title,
					URL:        page.URL,
					Content:    page.Content,
					Confidence: web.ConfidenceScores[page.URL],
				})
			}
		}
	}

	if s.RetrievalStatus["kb"] == StatusRunning {
		s.KBResults = outcome.KB.KB
		succeeded := 0
		for _, a := range outcome.KB.KB {
			if !a.Success {
				continue
			}
			succeeded++
			s.AllSources = append(s.AllSources, Source{
				Kind:     "kb",
				Question: a.Question,
				Content:  a.Answer,
			})
		}
		if succeeded == 0 && len(outcome.KB.KB) > 0 {
			s.RetrievalStatus["kb"] = StatusError
		} else {
			s.RetrievalStatus["kb"] = StatusCompleted
		}
		if rich {
			rl.LogRetrieval("kb", succeeded, outcome.KB.Elapsed, nil)
		}
	}
}

const generationSystem = `You answer cloud engineering questions using ONLY the provided sources.
Rules:
- Every claim must be backed by a source; cite it inline as [url] for web
  sources or [kb: question] for knowledge-base sources.
- When the sources do not cover part of the question, say so explicitly.
  Never fill gaps from your own knowledge.
- Answer in the language tagged on the question.`

const generalSystem = `You are a friendly cloud engineering assistant. The user sent a greeting
or an off-topic message. Reply warmly in one short paragraph, mention that
you help with cloud and infrastructure questions, and invite one.`

// stageGeneration is the terminal stage. It branches on clarification and
// general queries, otherwise synthesizes a strictly source-grounded answer.
func (e *Engine) stageGeneration(ctx context.Context, s *State) {
	switch {
	case s.NeedsClarification:
		s.FinalResponse = s.ClarificationQuestion
		s.ResponseType = ResponseClarification
		s.ResponseConfidence = s.ConfidenceScore
		return

	case s.DomainRelevance == RelevanceGeneral:
		resp, err := e.complete(ctx, model.UserRequest(generalSystem,
			fmt.Sprintf("Message (%s): %s", s.ThreadLanguage, s.UserQuery)))
		if err != nil {
			e.logger.Warn("general response generation failed, using canned reply", "error", err)
			s.FinalResponse = "Hello! I help with cloud and infrastructure questions. What are you working on?"
		} else {
			s.FinalResponse = resp
		}
		s.ResponseType = ResponseEncouragement
		s.ResponseConfidence = s.ConfidenceScore
		return
	}

	if len(s.AllSources) == 0 {
		s.FinalResponse = fmt.Sprintf(
			"I could not retrieve any reliable sources for %q, so I don't have a grounded answer right now. Please try again, or rephrase the question.",
			s.UserQuery)
		s.ResponseType = ResponseDomain
		s.ResponseConfidence = 0
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question (%s): %s\n\nSources:\n", s.ThreadLanguage, s.EnhancedQuestion)
	for i, src := range s.AllSources {
		fmt.Fprintf(&b, "--- source %d (%s) ---\n", i+1, src.Label())
		b.WriteString(src.Content)
		b.WriteString("\n")
	}

	resp, err := e.complete(ctx, model.UserRequest(generationSystem, b.String()))
	if err != nil {
		e.logger.Error("response generation failed", "error", err)
		s.FinalResponse = "I gathered sources for your question but could not compose the answer. Please try again in a moment."
		s.ResponseType = ResponseDomain
		s.ResponseConfidence = 0
		return
	}

	s.FinalResponse = resp
	s.ResponseType = ResponseDomain
	s.ResponseConfidence = s.ConfidenceScore
	for _, src := range s.AllSources {
		s.SourcesUsed = append(s.SourcesUsed, src.Label())
	}
}

// complete runs a plain completion through the llm breaker when configured.
func (e *Engine) complete(ctx context.Context, req model.Request) (string, error) {
	start := time.Now()
	modelName := "completer"
	run := func(ctx context.Context) (string, error) {
		resp, err := e.completer.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		if resp.Model != "" {
			modelName = resp.Model
		}
		return strings.TrimSpace(resp.Content), nil
	}

	var (
		out string
		err error
	)
	if e.llmBreaker == nil {
		out, err = run(ctx)
	} else {
		out, err = breaker.Do(ctx, e.llmBreaker, run)
	}
	if rl, ok := e.logger.(richLogger); ok {
		rl.LogModelCall(modelName, time.Since(start), err == nil, err)
	}
	return out, err
}

func clampList(in []string, max int, fallback string) []string {
	out := make([]string, 0, max)
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == max {
			break
		}
	}
	if len(out) == 0 {
		return []string{fallback}
	}
	return out
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
