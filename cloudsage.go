// Package cloudsage wires the query pipeline together: session admission,
// dual-layer memory, the staged workflow engine, retrieval providers, and
// background side-content generation behind one entry point.
package cloudsage

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudsage-ai/cloudsage/breaker"
	"github.com/cloudsage-ai/cloudsage/config"
	"github.com/cloudsage-ai/cloudsage/logging"
	"github.com/cloudsage-ai/cloudsage/memory"
	"github.com/cloudsage-ai/cloudsage/model"
	"github.com/cloudsage-ai/cloudsage/model/anthropic"
	"github.com/cloudsage-ai/cloudsage/model/openai"
	"github.com/cloudsage-ai/cloudsage/progress"
	"github.com/cloudsage-ai/cloudsage/retrieval"
	"github.com/cloudsage-ai/cloudsage/retrieval/provider"
	"github.com/cloudsage-ai/cloudsage/session"
	"github.com/cloudsage-ai/cloudsage/sidecontent"
	"github.com/cloudsage-ai/cloudsage/tasks"
	"github.com/cloudsage-ai/cloudsage/workflow"
)

// Query is one user request.
type Query struct {
	UserID   string        `json:"user_id"`
	ThreadID string        `json:"thread_id"`
	Language string        `json:"language"`
	Text     string        `json:"text"`
	History  []memory.Turn `json:"history"`
}

// Status is the health/introspection snapshot.
type Status struct {
	Initialized    bool                     `json:"initialized"`
	AgentsReady    bool                     `json:"agents_ready"`
	Sessions       session.Metrics          `json:"sessions"`
	Breakers       map[string]breaker.Stats `json:"breakers"`
	BackgroundWork tasks.Stats              `json:"background_work"`
	WebSearchReady bool                     `json:"web_search_ready"`
	KnowledgeReady bool                     `json:"knowledge_ready"`
	MemoryReady    bool                     `json:"memory_ready"`
	Configuration  map[string]any           `json:"configuration"`
}

// Options configure a Pipeline. Collaborators left nil are constructed from
// the configuration; injecting them is primarily for tests and embedding.
type Options struct {
	Config *config.Config
	Logger logging.Logger

	Completer model.Completer
	Embedder  model.Embedder

	SearchPrimary   retrieval.SearchProvider
	SearchSecondary retrieval.SearchProvider
	Scraper         retrieval.Scraper
	KnowledgeBase   retrieval.KnowledgeBase
}

// Pipeline is the assembled query-answering system.
type Pipeline struct {
	cfg         *config.Config
	logger      logging.Logger
	registry    *session.Registry
	breakers    *breaker.Registry
	memoryMgr   *memory.Manager
	engine      *workflow.Engine
	broadcaster *progress.Broadcaster
	exec        *tasks.Executor
	side        *sidecontent.Generator

	webReady bool
	kbReady  bool
	memReady bool
}

// New assembles a pipeline from configuration plus any injected
// collaborators.
func New(optFns ...func(o *Options)) (*Pipeline, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.DefaultLoggerConfig()).WithComponent("pipeline")
	}

	completer, embedder, err := buildModels(cfg, &opts)
	if err != nil {
		return nil, err
	}

	breakers := breaker.NewRegistry()
	for name, bc := range cfg.Breakers {
		bc := bc
		breakers.Configure(name, func(o *breaker.Options) {
			o.FailureThreshold = bc.FailureThreshold
			o.RecoveryTimeout = bc.RecoveryTimeout
			o.CallTimeout = bc.CallTimeout
			o.Logger = logger
		})
	}

	exec := tasks.NewExecutor(func(o *tasks.Options) {
		o.Logger = logger
	})
	broadcaster := progress.NewBroadcaster(32)

	registry := session.NewRegistry(func(o *session.Options) {
		o.Capacity = cfg.MaxConcurrentSessions
		o.MaxIdle = cfg.SessionMaxIdle
		o.ReapInterval = cfg.ReapInterval
		o.Logger = logger
	})

	p := &Pipeline{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		breakers:    breakers,
		broadcaster: broadcaster,
		exec:        exec,
	}

	// Memory: long-term layer needs an embedder; degrade to STM-only
	// without one.
	stm := memory.NewShortTermMemory(completer, func(o *memory.ShortTermOptions) {
		o.TokenLimit = cfg.Memory.STMTokenLimit
		o.SummaryTokenLimit = cfg.Memory.SummaryTokenLimit
		o.Logger = logger
	})
	var ltm *memory.LongTermMemory
	if embedder != nil {
		ltm, err = memory.NewLongTermMemory(completer, embedder, func(o *memory.LongTermOptions) {
			o.RetrieveLimit = cfg.Memory.LTMRetrieveLimit
			o.Logger = logger
		})
		if err != nil {
			return nil, fmt.Errorf("initializing long-term memory: %w", err)
		}
		p.memReady = true
	}
	p.memoryMgr = memory.NewManager(stm, ltm, exec, func(o *memory.ManagerOptions) {
		o.RetrieveTimeout = cfg.Memory.RetrieveTimeout
		o.ExtractTimeout = cfg.Memory.ExtractTimeout
		o.StoreTimeout = cfg.Memory.StoreTimeout
		o.UpdateInterval = cfg.Memory.LTMUpdateInterval
		o.Logger = logger
	})

	parallel := buildRetrieval(p, cfg, &opts, completer, logger)

	p.engine = workflow.NewEngine(completer, parallel, func(o *workflow.Options) {
		o.MaxIterations = cfg.MaxIterations
		o.LLMBreaker = breakers.Get("llm")
		o.Broadcaster = broadcaster
		o.Logger = logger
	})

	p.side = sidecontent.NewGenerator(completer, ltm, exec, func(o *sidecontent.Options) {
		o.Breaker = breakers.Get("side_content")
		o.Logger = logger
	})

	return p, nil
}

func buildModels(cfg *config.Config, opts *Options) (model.Completer, model.Embedder, error) {
	completer := opts.Completer
	embedder := opts.Embedder

	switch {
	case completer != nil:
	case cfg.OpenAIAPIKey != "":
		oa := openai.New(cfg.OpenAIAPIKey, func(o *openai.Options) {
			o.Model = cfg.OpenAIModel
			o.Temperature = cfg.Temperature
		})
		completer = oa
		if embedder == nil {
			embedder = oa
		}
	case cfg.AnthropicAPIKey != "":
		completer = anthropic.New(func(o *anthropic.Options) {
			o.APIKey = cfg.AnthropicAPIKey
			o.Temperature = cfg.Temperature
		})
	default:
		return nil, nil, fmt.Errorf("no completer: inject one or set an API key")
	}
	return completer, embedder, nil
}

func buildRetrieval(p *Pipeline, cfg *config.Config, opts *Options, completer model.Completer, logger logging.Logger) *retrieval.Parallel {
	primary := opts.SearchPrimary
	secondary := opts.SearchSecondary
	if primary == nil && cfg.WebSearch.TavilyAPIKey != "" {
		primary = provider.NewTavily(cfg.WebSearch.TavilyAPIKey)
	}
	if secondary == nil && cfg.WebSearch.JinaAPIKey != "" {
		secondary = provider.NewJinaSearch(cfg.WebSearch.JinaAPIKey)
	}
	if primary == nil && secondary != nil {
		primary, secondary = secondary, nil
	}

	scraper := opts.Scraper
	if scraper == nil {
		direct := provider.NewHTTPScraper()
		if cfg.WebSearch.JinaAPIKey != "" {
			scraper = provider.NewFallbackScraper(provider.NewJinaReader(cfg.WebSearch.JinaAPIKey), direct)
		} else {
			scraper = direct
		}
	}

	kb := opts.KnowledgeBase
	p.kbReady = kb != nil
	p.webReady = primary != nil

	if primary == nil && kb == nil {
		return nil
	}

	var web *retrieval.WebRetriever
	if primary != nil {
		web = retrieval.NewWebRetriever(primary, secondary, scraper, completer, func(o *retrieval.WebOptions) {
			o.MaxQueries = cfg.WebSearch.MaxQueries
			o.ResultsPerQuery = cfg.WebSearch.ResultsPerQuery
			o.ConfidenceThreshold = cfg.WebSearch.ConfidenceThreshold
			o.TopURLs = cfg.WebSearch.TopURLsToScrape
			o.ScrapeConcurrency = cfg.WebSearch.ScrapeConcurrency
			o.TokenBudget = cfg.WebSearch.TokenBudget
			o.RetryRounds = cfg.WebSearch.RetryRounds
			o.Logger = logger
		})
	}

	var kbr *retrieval.KBRetriever
	if kb != nil {
		kbr = retrieval.NewKBRetriever(kb, func(o *retrieval.KBOptions) {
			o.Concurrency = cfg.KBConcurrency
			o.Logger = logger
		})
	}

	return retrieval.NewParallel(web, kbr, p.breakers.Get("web_search"), logger)
}

const capacityMessage = "We're helping a lot of people right now and can't take your question just yet. Please try again in a minute."

// ProcessQuery runs one query through admission, memory, and the workflow.
// It never returns an error for pipeline failures; those surface as
// structured results. The returned error covers invalid input only.
func (p *Pipeline) ProcessQuery(ctx context.Context, q Query) (*workflow.Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("empty query text")
	}
	if q.UserID == "" || q.ThreadID == "" {
		return nil, fmt.Errorf("user and thread identifiers are required")
	}

	key := q.UserID + ":" + q.ThreadID
	if !p.registry.Register(key) {
		return &workflow.Result{
			Type:         "response",
			Response:     capacityMessage,
			ResponseType: workflow.ResponseDebug,
			SourcesUsed:  []string{},
			SubQuestions: []string{},
			WebQueries:   []string{},
		}, nil
	}
	defer p.registry.Release(key)

	reqLogger := p.logger
	if pl, ok := p.logger.(*logging.PipelineLogger); ok {
		reqLogger = pl.WithConversation(q.UserID, q.ThreadID)
	}
	reqLogger.Info("query accepted", "language", q.Language, "history_turns", len(q.History))

	memCtx := p.memoryMgr.GetContext(ctx, q.UserID, q.ThreadID, q.Text, q.History)
	state := workflow.NewState(q.UserID, q.ThreadID, q.Language, q.Text, q.History, memCtx)

	result := p.engine.Execute(ctx, state)

	// The user turn and our reply both count toward the LTM interval.
	p.memoryMgr.RecordExchange(q.UserID, q.ThreadID, 2, appendExchange(q.History, q.Text, result.Response))

	if result.Type == "response" && result.ResponseType == workflow.ResponseDomain {
		p.side.Trigger(q.UserID)
	}

	reqLogger.Info("query answered", "type", result.Type, "response_type", string(result.ResponseType), "sources", len(result.SourcesUsed))

	return result, nil
}

func appendExchange(history []memory.Turn, query, response string) []memory.Turn {
	out := append([]memory.Turn{}, history...)
	out = append(out, memory.Turn{Role: "user", Content: query})
	if response != "" {
		out = append(out, memory.Turn{Role: "assistant", Content: response})
	}
	return out
}

// Status reports pipeline health.
func (p *Pipeline) Status() Status {
	return Status{
		Initialized:    true,
		AgentsReady:    p.engine != nil,
		Sessions:       p.registry.Metrics(),
		Breakers:       p.breakers.Stats(),
		BackgroundWork: p.exec.Stats(),
		WebSearchReady: p.webReady,
		KnowledgeReady: p.kbReady,
		MemoryReady:    p.memReady,
		Configuration: map[string]any{
			"max_iterations":          p.cfg.MaxIterations,
			"max_concurrent_sessions": p.cfg.MaxConcurrentSessions,
			"ltm_update_interval":     p.cfg.Memory.LTMUpdateInterval,
			"stm_token_limit":         p.cfg.Memory.STMTokenLimit,
			"web_token_budget":        p.cfg.WebSearch.TokenBudget,
		},
	}
}

// Subscribe streams progress events for a thread. Close the subscription
// when done.
func (p *Pipeline) Subscribe(threadID string) *progress.Subscription {
	return p.broadcaster.Subscribe(threadID)
}

// SideContent exposes the educational post generator so the surrounding
// application can attach a sink.
func (p *Pipeline) SideContent() *sidecontent.Generator {
	return p.side
}

// Shutdown stops the reaper and drains background work.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if err := p.registry.Close(ctx); err != nil {
		return err
	}
	return p.exec.Shutdown(ctx)
}
