package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe("t1")
	defer sub.Close()

	b.Publish(Event{ThreadID: "t1", Stage: "intent_extraction", Message: "analyzing"})

	ev := <-sub.C
	assert.Equal(t, "intent_extraction", ev.Stage)
	assert.False(t, ev.Time.IsZero())
}

func TestPublishIsolatedPerThread(t *testing.T) {
	b := NewBroadcaster(4)
	s1 := b.Subscribe("t1")
	s2 := b.Subscribe("t2")
	defer s1.Close()
	defer s2.Close()

	b.Publish(Event{ThreadID: "t1", Stage: "retrieval"})

	require.Len(t, s1.C, 1)
	assert.Empty(t, s2.C)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroadcaster(2)
	sub := b.Subscribe("t1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(Event{ThreadID: "t1", Stage: "retrieval"})
	}

	// Buffer holds two; the rest were dropped, nothing blocked.
	assert.Len(t, sub.C, 2)
}

func TestCloseUnsubscribes(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe("t1")

	require.Equal(t, 1, b.SubscriberCount("t1"))
	sub.Close()
	sub.Close() // idempotent
	assert.Zero(t, b.SubscriberCount("t1"))

	// Channel is closed.
	_, open := <-sub.C
	assert.False(t, open)

	// Publishing to a thread with no subscribers is safe.
	b.Publish(Event{ThreadID: "t1", Stage: "done"})
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := NewBroadcaster(4)
	s1 := b.Subscribe("t1")
	s2 := b.Subscribe("t1")
	defer s1.Close()
	defer s2.Close()

	b.Publish(Event{ThreadID: "t1", Stage: "generation", Progress: 0.9})

	assert.Len(t, s1.C, 1)
	assert.Len(t, s2.C, 1)
}
