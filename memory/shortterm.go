// Package memory implements the dual-layer conversation memory: a bounded
// short-term window over recent turns and a vector-backed long-term fact
// store, composed per request by the Manager.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudsage-ai/cloudsage/internal/textutil"
	"github.com/cloudsage-ai/cloudsage/logging"
	"github.com/cloudsage-ai/cloudsage/model"
)

// Turn is a single message in the conversation history.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ShortTermOptions configure the short-term memory window.
type ShortTermOptions struct {
	// WindowSize is how many recent turns form the context.
	WindowSize int

	// TokenLimit triggers summarization when the window exceeds it.
	TokenLimit int

	// SummaryTokenLimit caps the size of the generated summary.
	SummaryTokenLimit int

	Logger logging.Logger
}

// ShortTermMemory builds a bounded conversational context string from the
// most recent turns. When the window exceeds the token limit, the earliest
// half of the window is summarized through the model and replaced by the
// summary.
type ShortTermMemory struct {
	completer model.Completer
	opts      ShortTermOptions
}

// NewShortTermMemory creates a short-term memory over the given completer.
func NewShortTermMemory(completer model.Completer, optFns ...func(o *ShortTermOptions)) *ShortTermMemory {
	opts := ShortTermOptions{
		WindowSize:        6,
		TokenLimit:        6000,
		SummaryTokenLimit: 1500,
		Logger:            logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ShortTermMemory{completer: completer, opts: opts}
}

// Context renders the recent-conversation context for a request. The result
// is empty for an empty history.
func (s *ShortTermMemory) Context(ctx context.Context, history []Turn) string {
	if len(history) == 0 {
		return ""
	}

	window := history
	if len(window) > s.opts.WindowSize {
		window = window[len(window)-s.opts.WindowSize:]
	}

	full := formatTurns(window)
	if textutil.EstimateTokens(full) <= s.opts.TokenLimit {
		return full
	}

	// Over budget: summarize the earliest half of the window and keep the
	// rest verbatim.
	split := len(window) / 2
	if split == 0 {
		split = 1
	}
	head, tail := window[:split], window[split:]

	summary, err := s.summarize(ctx, head)
	if err != nil {
		s.opts.Logger.Warn("conversation summarization failed, truncating instead", "error", err)
		return textutil.TruncateTokens(formatTurns(tail), s.opts.TokenLimit)
	}

	var b strings.Builder
	b.WriteString("Summary of earlier conversation:\n")
	b.WriteString(summary)
	b.WriteString("\n\nRecent messages:\n")
	b.WriteString(formatTurns(tail))
	return b.String()
}

func (s *ShortTermMemory) summarize(ctx context.Context, turns []Turn) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following conversation excerpt in at most %d tokens. Preserve concrete facts, decisions, and the user's stated goals. Respond with the summary only.\n\n%s",
		s.opts.SummaryTokenLimit, formatTurns(turns))

	resp, err := s.completer.Complete(ctx, model.UserRequest(
		"You condense conversation history without losing technical detail.", prompt))
	if err != nil {
		return "", err
	}
	return textutil.TruncateTokens(strings.TrimSpace(resp.Content), s.opts.SummaryTokenLimit), nil
}

func formatTurns(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		role := t.Role
		switch strings.ToLower(role) {
		case "user":
			role = "User"
		case "assistant":
			role = "Assistant"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(t.Content)
	}
	return b.String()
}
