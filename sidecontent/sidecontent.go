// Package sidecontent generates short educational posts for users between
// conversations. Generation is fire-and-forget: it runs on the background
// task executor, is circuit-breaker guarded, and its failures never touch
// the request path.
package sidecontent

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/cloudsage-ai/cloudsage/breaker"
	"github.com/cloudsage-ai/cloudsage/logging"
	"github.com/cloudsage-ai/cloudsage/memory"
	"github.com/cloudsage-ai/cloudsage/model"
	"github.com/cloudsage-ai/cloudsage/tasks"
)

// defaultTopics are the rotation pool when no custom topics are configured.
var defaultTopics = []string{
	"cloud architecture patterns",
	"security best practices",
	"compliance frameworks",
	"emerging cloud technologies",
	"data protection strategies",
	"network optimization techniques",
	"cost optimization tactics",
	"infrastructure as code practices",
}

// Post is one generated educational item.
type Post struct {
	UserID  string `json:"user_id"`
	Topic   string `json:"topic"`
	Content string `json:"content"`
}

// Options configure a Generator.
type Options struct {
	// Topics is the rotation pool. Empty uses the defaults.
	Topics []string

	// RecentWindow is how many recent topics are avoided per user.
	RecentWindow int

	// Breaker guards the generation call. Nil runs unguarded.
	Breaker *breaker.CircuitBreaker

	Logger logging.Logger

	// pick is overridable for tests.
	pick func(n int) int
}

// Generator produces educational posts, rotating topics per user so
// consecutive posts don't repeat.
type Generator struct {
	completer model.Completer
	ltm       *memory.LongTermMemory
	exec      *tasks.Executor
	opts      Options

	mu     sync.Mutex
	recent map[string][]string

	onPost func(Post)
}

// NewGenerator creates a side-content generator. ltm may be nil, dropping
// personalization; exec is required for Trigger.
func NewGenerator(completer model.Completer, ltm *memory.LongTermMemory, exec *tasks.Executor, optFns ...func(o *Options)) *Generator {
	opts := Options{
		Topics:       defaultTopics,
		RecentWindow: 3,
		Logger:       logging.NewNoOpLogger(),
		pick:         rand.Intn,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if len(opts.Topics) == 0 {
		opts.Topics = defaultTopics
	}
	if opts.pick == nil {
		opts.pick = rand.Intn
	}

	return &Generator{
		completer: completer,
		ltm:       ltm,
		exec:      exec,
		opts:      opts,
		recent:    make(map[string][]string),
	}
}

// OnPost registers the sink for generated posts. Posts generated before a
// sink is registered are dropped.
func (g *Generator) OnPost(fn func(Post)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onPost = fn
}

// Trigger schedules post generation for the user on the background
// executor. It returns immediately; generation failures are swallowed.
func (g *Generator) Trigger(userID string) {
	if g.exec == nil {
		return
	}
	g.exec.Submit("side_content", func(ctx context.Context) error {
		post, err := g.Generate(ctx, userID)
		if err != nil {
			return err
		}

		g.mu.Lock()
		sink := g.onPost
		g.mu.Unlock()
		if sink != nil {
			sink(*post)
		}
		return nil
	})
}

const postSystem = `You write short, engaging educational posts for cloud engineers.
Structure: a hook question, 2-3 concrete takeaways, one practical tip.
Keep it under 200 words. Plain text, no markdown headings.`

// Generate produces one post for the user, avoiding their recent topics.
func (g *Generator) Generate(ctx context.Context, userID string) (*Post, error) {
	topic := g.nextTopic(userID)

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", topic)
	if g.ltm != nil {
		if records, err := g.ltm.Retrieve(ctx, userID, topic); err == nil && len(records) > 0 {
			fmt.Fprintf(&b, "\n%s\nTailor the post toward these.\n", g.ltm.Summary(records))
		}
	}
	if avoid := g.recentTopics(userID); len(avoid) > 0 {
		fmt.Fprintf(&b, "\nRecently covered, avoid repeating: %s\n", strings.Join(avoid, ", "))
	}

	content, err := g.completePost(ctx, model.UserRequest(postSystem, b.String()))
	if err != nil {
		return nil, fmt.Errorf("generating post on %s: %w", topic, err)
	}

	g.remember(userID, topic)
	g.opts.Logger.Debug("side content generated", "user_id", userID, "topic", topic, "length", len(content))
	return &Post{UserID: userID, Topic: topic, Content: content}, nil
}

func (g *Generator) completePost(ctx context.Context, req model.Request) (string, error) {
	run := func(ctx context.Context) (string, error) {
		resp, err := g.completer.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Content), nil
	}
	if g.opts.Breaker == nil {
		return run(ctx)
	}
	return breaker.Do(ctx, g.opts.Breaker, run)
}

// nextTopic picks a topic the user has not seen recently.
func (g *Generator) nextTopic(userID string) string {
	avoid := make(map[string]struct{})
	for _, t := range g.recentTopics(userID) {
		avoid[t] = struct{}{}
	}

	var pool []string
	for _, t := range g.opts.Topics {
		if _, skip := avoid[t]; !skip {
			pool = append(pool, t)
		}
	}
	if len(pool) == 0 {
		pool = g.opts.Topics
	}
	return pool[g.opts.pick(len(pool))]
}

func (g *Generator) recentTopics(userID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string{}, g.recent[userID]...)
}

func (g *Generator) remember(userID string, topic string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	list := append(g.recent[userID], topic)
	if len(list) > g.opts.RecentWindow {
		list = list[len(list)-g.opts.RecentWindow:]
	}
	g.recent[userID] = list
}
