package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudsage-ai/cloudsage/logging"
	"github.com/cloudsage-ai/cloudsage/tasks"
)

// Context is the composed memory context handed to the workflow for one
// request.
type Context struct {
	ShortTerm       string `json:"short_term"`
	LongTermSummary string `json:"long_term_summary"`
}

// ManagerOptions configure the memory manager.
type ManagerOptions struct {
	// RetrieveTimeout bounds LTM retrieval on the request path. On timeout
	// the request proceeds with an empty long-term summary.
	RetrieveTimeout time.Duration

	// ExtractTimeout bounds the background fact-extraction call.
	ExtractTimeout time.Duration

	// StoreTimeout bounds the background vector-store write.
	StoreTimeout time.Duration

	// UpdateInterval is how many messages accumulate per (user, thread)
	// before a background LTM update is scheduled.
	UpdateInterval int

	Logger logging.Logger
}

// Manager composes short- and long-term memory into one context per request
// and schedules background long-term updates.
type Manager struct {
	stm  *ShortTermMemory
	ltm  *LongTermMemory
	exec *tasks.Executor
	opts ManagerOptions

	mu       sync.Mutex
	counters map[string]int
}

// NewManager creates a memory manager. The executor carries the background
// LTM updates; it may be shared with other fire-and-forget producers.
func NewManager(stm *ShortTermMemory, ltm *LongTermMemory, exec *tasks.Executor, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		RetrieveTimeout: 10 * time.Second,
		ExtractTimeout:  30 * time.Second,
		StoreTimeout:    15 * time.Second,
		UpdateInterval:  20,
		Logger:          logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		stm:      stm,
		ltm:      ltm,
		exec:     exec,
		opts:     opts,
		counters: make(map[string]int),
	}
}

// GetContext builds the memory context for a request. Short-term context is
// synchronous. Long-term retrieval runs under its own timeout and degrades
// to an empty summary on failure, never blocking the response path beyond
// the timeout.
func (m *Manager) GetContext(ctx context.Context, userID, threadID, query string, history []Turn) Context {
	out := Context{ShortTerm: m.stm.Context(ctx, history)}

	if m.ltm == nil {
		return out
	}

	retrieveCtx, cancel := context.WithTimeout(ctx, m.opts.RetrieveTimeout)
	defer cancel()

	records, err := m.ltm.Retrieve(retrieveCtx, userID, query)
	if err != nil {
		m.opts.Logger.Warn("long-term memory retrieval failed, continuing without", "user_id", userID, "error", err)
		return out
	}
	out.LongTermSummary = m.ltm.Summary(records)
	return out
}

// RecordExchange counts messages for the (user, thread) pair and schedules a
// background long-term update once the interval is reached. The update runs
// off the request path and swallows its own failures.
func (m *Manager) RecordExchange(userID, threadID string, messageCount int, history []Turn) {
	if m.ltm == nil || m.exec == nil {
		return
	}

	key := userID + ":" + threadID

	m.mu.Lock()
	m.counters[key] += messageCount
	due := m.counters[key] >= m.opts.UpdateInterval
	if due {
		m.counters[key] = 0
	}
	m.mu.Unlock()

	if !due {
		return
	}

	snapshot := append([]Turn{}, history...)
	m.exec.Submit("ltm_update", func(ctx context.Context) error {
		return m.updateLongTerm(ctx, userID, threadID, snapshot)
	})
}

func (m *Manager) updateLongTerm(ctx context.Context, userID, threadID string, history []Turn) error {
	extractCtx, cancel := context.WithTimeout(ctx, m.opts.ExtractTimeout)
	defer cancel()

	records, err := m.ltm.Extract(extractCtx, userID, threadID, m.stm.Context(extractCtx, history))
	if err != nil {
		return fmt.Errorf("ltm extraction for %s: %w", userID, err)
	}
	if len(records) == 0 {
		return nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()

	if err := m.ltm.Store(storeCtx, records); err != nil {
		return fmt.Errorf("ltm storage for %s: %w", userID, err)
	}
	m.opts.Logger.Info("long-term memory updated", "user_id", userID, "thread_id", threadID, "facts", len(records))
	return nil
}

// PendingCount reports the message counter for a (user, thread) pair.
func (m *Manager) PendingCount(userID, threadID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[userID+":"+threadID]
}
