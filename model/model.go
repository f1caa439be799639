// Package model defines the language model abstractions used by the
// pipeline stages. A Completer turns a prompt into text, an Embedder turns
// text into a vector, and Structured layers typed JSON extraction with
// retry on top of any Completer.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cloudsage-ai/cloudsage/internal/schema"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Usage reports token consumption for a completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a completion result.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// Completer generates a text completion for a request.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Embedder converts text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// UserRequest builds a single-turn request with an optional system prompt.
func UserRequest(system, user string) Request {
	return Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: user}},
	}
}

// ExtractJSON locates the JSON payload inside a model response. Models
// frequently wrap JSON in markdown fences or surround it with prose, so the
// raw text, the fenced block, and the outermost brace span are all tried.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)

	candidates := []string{text}

	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if end := strings.Index(rest, "```"); end >= 0 {
			candidates = append(candidates, strings.TrimSpace(rest[:end]))
		}
	}

	if start := strings.IndexAny(text, "{["); start >= 0 {
		end := strings.LastIndexAny(text, "}]")
		if end > start {
			candidates = append(candidates, text[start:end+1])
		}
	}

	for _, c := range candidates {
		if c != "" && gjson.Valid(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("no valid JSON found in model output")
}

// Structured runs a completion and decodes the JSON payload into T. On a
// parse failure it retries once with the parse error appended to the
// prompt, then gives up.
func Structured[T any](ctx context.Context, c Completer, req Request) (T, error) {
	var out T

	resp, err := c.Complete(ctx, req)
	if err != nil {
		return out, err
	}

	if decodeErr := decodeInto(resp.Content, &out); decodeErr != nil {
		retry := req
		retry.Messages = append(append([]Message{}, req.Messages...),
			Message{Role: RoleAssistant, Content: resp.Content},
			Message{Role: RoleUser, Content: fmt.Sprintf(
				"Your previous response could not be parsed (%v). Respond again with only valid JSON of the same shape, no prose.", decodeErr)},
		)

		resp, err = c.Complete(ctx, retry)
		if err != nil {
			return out, err
		}
		if decodeErr = decodeInto(resp.Content, &out); decodeErr != nil {
			return out, fmt.Errorf("structured response parse failed after retry: %w", decodeErr)
		}
	}
	return out, nil
}

func decodeInto(text string, v any) error {
	payload, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("decoding JSON: %w", err)
	}

	// Unmarshal leaves missing keys at their zero value, so object payloads
	// are additionally checked against the struct's schema.
	if s := schema.FromStruct(v); s != nil {
		var obj map[string]any
		if json.Unmarshal([]byte(payload), &obj) == nil {
			if err := schema.Validate(obj, s); err != nil {
				return err
			}
		}
	}
	return nil
}
