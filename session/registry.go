// Package session tracks active (user, thread) sessions and enforces the
// concurrent-session capacity limit. A reaper removes sessions idle beyond
// the configured age so abandoned conversations release capacity.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cloudsage-ai/cloudsage/logging"
)

// Session is one active (user, thread) conversation.
type Session struct {
	Key          string    `json:"key"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
	RequestCount int       `json:"request_count"`
}

// Metrics are cumulative registry counters.
type Metrics struct {
	Active      int   `json:"active"`
	Peak        int   `json:"peak"`
	Admissions  int64 `json:"admissions"`
	Rejections  int64 `json:"rejections"`
	Completions int64 `json:"completions"`
	Reaped      int64 `json:"reaped"`
}

// Options configure a Registry.
type Options struct {
	// Capacity is the maximum number of concurrently active sessions.
	Capacity int

	// MaxIdle is how long a session may sit without activity before the
	// reaper removes it.
	MaxIdle time.Duration

	// ReapInterval is how often the reaper scans for stale sessions.
	ReapInterval time.Duration

	Logger logging.Logger

	// now is overridable for tests.
	now func() time.Time
}

// Registry is the active-session table. All access goes through a single
// mutex held only for short read-check-write sections.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	opts     Options

	peak        int
	admissions  int64
	rejections  int64
	completions int64
	reaped      int64

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRegistry creates a registry and starts its background reaper.
func NewRegistry(optFns ...func(o *Options)) *Registry {
	opts := Options{
		Capacity:     10,
		MaxIdle:      300 * time.Second,
		ReapInterval: 60 * time.Second,
		Logger:       logging.NewNoOpLogger(),
		now:          time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	r := &Registry{
		sessions: make(map[string]*Session),
		opts:     opts,
		stop:     make(chan struct{}),
	}
	if opts.ReapInterval > 0 {
		go r.reapLoop()
	}
	return r
}

// Register admits the session key. A key already present always succeeds
// and refreshes its activity timestamp; a new key is rejected when the
// registry is at capacity.
func (r *Registry) Register(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		s.LastActivity = r.opts.now()
		s.RequestCount++
		return true
	}
	if len(r.sessions) >= r.opts.Capacity {
		r.rejections++
		r.opts.Logger.Warn("session rejected at capacity", "key", key, "active", len(r.sessions))
		return false
	}

	now := r.opts.now()
	r.sessions[key] = &Session{Key: key, StartTime: now, LastActivity: now, RequestCount: 1}
	r.admissions++
	if len(r.sessions) > r.peak {
		r.peak = len(r.sessions)
	}
	return true
}

// Touch refreshes the activity timestamp of an existing session.
func (r *Registry) Touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.LastActivity = r.opts.now()
	}
}

// Get returns a snapshot of the session for the key, if active.
func (r *Registry) Get(key string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return *s, true
	}
	return Session{}, false
}

// Release removes the session, freeing capacity. Releasing an unknown key
// is a no-op.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[key]; ok {
		delete(r.sessions, key)
		r.completions++
	}
}

// Active returns the number of live sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Metrics returns a snapshot of the registry counters.
func (r *Registry) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metrics{
		Active:      len(r.sessions),
		Peak:        r.peak,
		Admissions:  r.admissions,
		Rejections:  r.rejections,
		Completions: r.completions,
		Reaped:      r.reaped,
	}
}

// Reap removes sessions idle longer than MaxIdle and returns how many were
// removed. The background reaper calls this periodically; tests may call it
// directly.
func (r *Registry) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.opts.now().Add(-r.opts.MaxIdle)
	n := 0
	for key, s := range r.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(r.sessions, key)
			n++
		}
	}
	if n > 0 {
		r.reaped += int64(n)
		r.opts.Logger.Info("stale sessions reaped", "count", n, "active", len(r.sessions))
	}
	return n
}

func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

// Close stops the background reaper.
func (r *Registry) Close(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	return nil
}
