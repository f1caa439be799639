// Package mock provides canned model implementations for tests.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/cloudsage-ai/cloudsage/model"
)

// Completer returns scripted responses in order. When the script runs out
// it keeps returning the last entry, so single-response mocks stay simple.
type Completer struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     []model.Request
	idx       int
}

var _ model.Completer = (*Completer)(nil)

// NewCompleter creates a mock that replies with the given responses in order.
func NewCompleter(responses ...string) *Completer {
	return &Completer{responses: responses}
}

// NewFailingCompleter creates a mock whose every call fails with err.
func NewFailingCompleter(err error) *Completer {
	return &Completer{errs: []error{err}}
}

// Enqueue appends a response to the script.
func (m *Completer) Enqueue(response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, response)
}

// EnqueueError appends an error to the script. Errors are consumed before
// responses at the same position.
func (m *Completer) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

// Complete implements model.Completer.
func (m *Completer) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if m.idx < len(m.errs) && m.errs[m.idx] != nil {
		err := m.errs[m.idx]
		m.idx++
		return nil, err
	}
	if len(m.errs) > 0 && len(m.responses) == 0 {
		return nil, m.errs[len(m.errs)-1]
	}
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mock completer: no responses scripted")
	}

	i := m.idx
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	m.idx++
	return &model.Response{Content: m.responses[i], Model: "mock"}, nil
}

// Calls returns every request the mock has seen.
func (m *Completer) Calls() []model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Request{}, m.calls...)
}

// CallCount returns how many times Complete was invoked.
func (m *Completer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastPrompt returns the text of the final user message of the most recent
// call, or empty if no calls were made.
func (m *Completer) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ""
	}
	msgs := m.calls[len(m.calls)-1].Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// Embedder produces deterministic vectors from a hash of the input, so
// identical texts embed identically across runs.
type Embedder struct {
	Dim int
	Err error
}

var _ model.Embedder = (*Embedder)(nil)

// NewEmbedder creates a deterministic mock embedder with the given dimension.
func NewEmbedder(dim int) *Embedder {
	return &Embedder{Dim: dim}
}

// Embed implements model.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, e.Dim)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33))/float32(1<<31) + 0.5
	}
	return vec, nil
}
