package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudsage-ai/cloudsage/breaker"
	"github.com/cloudsage-ai/cloudsage/logging"
	"github.com/cloudsage-ai/cloudsage/model"
	"github.com/cloudsage-ai/cloudsage/progress"
	"github.com/cloudsage-ai/cloudsage/retrieval"
)

// Options configure a workflow Engine.
type Options struct {
	// MaxIterations bounds the re-evaluation pass count per request.
	MaxIterations int

	// LLMBreaker guards every model call. Nil runs unguarded.
	LLMBreaker *breaker.CircuitBreaker

	// Broadcaster receives a progress event at each stage transition.
	// Nil disables progress emission.
	Broadcaster *progress.Broadcaster

	Logger logging.Logger
}

// Engine executes the fixed stage graph over a State.
type Engine struct {
	completer   model.Completer
	parallel    *retrieval.Parallel
	llmBreaker  *breaker.CircuitBreaker
	broadcaster *progress.Broadcaster
	logger      logging.Logger
	opts        Options
}

// NewEngine creates a workflow engine. parallel may be nil, which skips the
// retrieval branches entirely.
func NewEngine(completer model.Completer, parallel *retrieval.Parallel, optFns ...func(o *Options)) *Engine {
	opts := Options{
		MaxIterations: 3,
		Logger:        logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{
		completer:   completer,
		parallel:    parallel,
		llmBreaker:  opts.LLMBreaker,
		broadcaster: opts.Broadcaster,
		logger:      opts.Logger,
		opts:        opts,
	}
}

// richLogger is the structured logging surface of logging.PipelineLogger.
// The engine upgrades to it when the configured logger provides one.
type richLogger interface {
	logging.Logger
	LogStage(stage string, dur time.Duration, success bool, err error)
	LogModelCall(model string, dur time.Duration, success bool, err error)
	LogRetrieval(branch string, sources int, dur time.Duration, err error)
}

// stageProgress is the fraction reported when a stage starts.
var stageProgress = map[string]float64{
	StageIntent:        0.1,
	StageEnhancement:   0.25,
	StageDecomposition: 0.4,
	StageReEvaluation:  0.5,
	StageRetrieval:     0.65,
	StageGeneration:    0.9,
}

// Execute runs the full graph for the state and always returns a Result:
// stage failures degrade inside their stage, and anything that still
// escapes is converted to a uniform error result here.
func (e *Engine) Execute(ctx context.Context, s *State) (result *Result) {
	start := time.Now()
	s.MaxIterations = e.opts.MaxIterations

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("workflow panicked", "panic", fmt.Sprintf("%v", r), "user_id", s.UserID, "thread_id", s.ThreadID)
			result = errorResult(s)
		}
	}()

	e.runStage(ctx, s, StageIntent, "Understanding your question", e.stageIntent)

	if s.NeedsClarification || s.DomainRelevance == RelevanceGeneral {
		// Enhancement and retrieval are pointless for these; skip straight
		// to generation.
		s.RetrievalStatus["web"] = StatusSkipped
		s.RetrievalStatus["kb"] = StatusSkipped
	} else {
		e.runStage(ctx, s, StageEnhancement, "Refining the question", e.stageEnhancement)
		e.runStage(ctx, s, StageDecomposition, "Breaking the question down", e.stageDecomposition)
		e.runStage(ctx, s, StageReEvaluation, "Reviewing retrieval plan", e.stageReEvaluation)
		e.runStage(ctx, s, StageRetrieval, "Gathering sources", e.stageRetrieval)
	}

	e.runStage(ctx, s, StageGeneration, "Composing the answer", e.stageGeneration)

	if ctx.Err() != nil {
		e.logger.Warn("workflow cancelled", "user_id", s.UserID, "elapsed_ms", time.Since(start).Milliseconds())
		return errorResult(s)
	}

	e.logger.Info("workflow complete",
		"user_id", s.UserID,
		"thread_id", s.ThreadID,
		"response_type", string(s.ResponseType),
		"sources", len(s.AllSources),
		"elapsed_ms", time.Since(start).Milliseconds())

	return resultFromState(s)
}

func (e *Engine) runStage(ctx context.Context, s *State, name, message string, fn func(ctx context.Context, s *State)) {
	if ctx.Err() != nil {
		return
	}

	e.emit(s, name, message, nil)

	start := time.Now()
	fn(ctx, s)
	if rl, ok := e.logger.(richLogger); ok {
		rl.LogStage(name, time.Since(start), true, nil)
		return
	}
	e.logger.Debug("stage complete", "stage", name, "duration_ms", time.Since(start).Milliseconds())
}

func (e *Engine) emit(s *State, stage, message string, details map[string]any) {
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.Publish(progress.Event{
		ThreadID: s.ThreadID,
		Stage:    stage,
		Message:  message,
		Progress: stageProgress[stage],
		Details:  details,
	})
}

func errorResult(s *State) *Result {
	return &Result{
		Type:            "error",
		Response:        "Something went wrong while answering your question. Please try rephrasing it.",
		ResponseType:    ResponseDebug,
		DomainRelevance: s.DomainRelevance,
		Iterations:      s.IterationCount,
		SourcesUsed:     []string{},
		SubQuestions:    s.SubQuestions,
		WebQueries:      s.WebQueries,
	}
}
