// Package progress broadcasts stage-transition events to per-thread
// subscribers. It is transport-agnostic: any real-time layer can consume
// the subscriber channels. Slow subscribers lose events rather than
// blocking the pipeline.
package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one progress update emitted at a stage transition.
type Event struct {
	ThreadID string         `json:"thread_id"`
	Stage    string         `json:"stage"`
	Message  string         `json:"message"`
	Progress float64        `json:"progress,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Time     time.Time      `json:"time"`
}

// Subscription is one subscriber's view of a thread's events.
type Subscription struct {
	id string
	C  <-chan Event

	cancel func()
	once   sync.Once
}

// Close unsubscribes. The event channel is closed; pending events may be
// lost.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Broadcaster fans progress events out to subscribers keyed by thread.
type Broadcaster struct {
	mu      sync.Mutex
	threads map[string]map[string]chan Event
	bufSize int
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold up to
// bufSize pending events each.
func NewBroadcaster(bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 16
	}
	return &Broadcaster{
		threads: make(map[string]map[string]chan Event),
		bufSize: bufSize,
	}
}

// Subscribe registers a subscriber for the thread's events.
func (b *Broadcaster) Subscribe(threadID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.threads[threadID]
	if !ok {
		subs = make(map[string]chan Event)
		b.threads[threadID] = subs
	}

	id := uuid.NewString()
	ch := make(chan Event, b.bufSize)
	subs[id] = ch

	return &Subscription{
		id: id,
		C:  ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.threads[threadID]; ok {
				if ch, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(b.threads, threadID)
				}
			}
		},
	}
}

// Publish delivers the event to every subscriber of its thread. Full
// subscriber buffers drop the event for that subscriber.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.threads[ev.ThreadID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports active subscribers for a thread.
func (b *Broadcaster) SubscriberCount(threadID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.threads[threadID])
}
